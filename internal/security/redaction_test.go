package security_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MarkusPolo/consoled/internal/security"
)

func TestRedactPayload(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"enable secret",
			"enable secret 5 $1$abcd$efgh",
			"enable secret 5 [REDACTED]",
		},
		{
			"plain password line",
			"line vty 0 4\npassword hunter2\nlogin",
			"line vty 0 4\npassword [REDACTED]\nlogin",
		},
		{
			"username with secret",
			"username admin secret s3cret!",
			"username admin secret [REDACTED]",
		},
		{
			"snmp community",
			"snmp-server community s3cretRO RO",
			"snmp-server community [REDACTED] RO",
		},
		{
			"tacacs key",
			"tacacs-server key 7 0822455D0A16",
			"tacacs-server key 7 [REDACTED]",
		},
		{
			"kv style secret",
			"api_key=abc123def",
			"api_key=[REDACTED]",
		},
		{
			"untouched output",
			"interface Gi0/1\n switchport access vlan 42",
			"interface Gi0/1\n switchport access vlan 42",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, security.RedactPayload(tc.in))
		})
	}
}

func TestRedactValues(t *testing.T) {
	in := "Username: admin\nPassword: hunter2\nsw1> hunter2 was typed"
	out := security.RedactValues(in, "hunter2", "")
	require.NotContains(t, out, "hunter2")
	require.Contains(t, out, "Password: [REDACTED]")
}
