// Package daemon exposes the HTTP and websocket surface of consoled.
package daemon

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarkusPolo/consoled/internal/api"
	"github.com/MarkusPolo/consoled/internal/config"
	"github.com/MarkusPolo/consoled/internal/console"
	"github.com/MarkusPolo/consoled/internal/db"
	"github.com/MarkusPolo/consoled/internal/model"
	"github.com/MarkusPolo/consoled/internal/scheduler"
	"github.com/MarkusPolo/consoled/internal/serial"
	"github.com/MarkusPolo/consoled/internal/template"
)

const schemaVersion = "v1"

type Server struct {
	cfg      config.Config
	store    *db.Store
	registry *serial.Registry
	hub      *console.Hub
	sched    *scheduler.Scheduler
	log      *zap.Logger

	httpSrv     *http.Server
	mu          sync.Mutex
	listener    net.Listener
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, store *db.Store, registry *serial.Registry, hub *console.Hub, sched *scheduler.Scheduler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		hub:      hub,
		sched:    sched,
		log:      log,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/ports", s.portsHandler)
	mux.HandleFunc("/v1/settings", s.settingsHandler)
	mux.HandleFunc("/v1/settings/", s.settingByKeyHandler)
	mux.HandleFunc("/v1/templates", s.templatesHandler)
	mux.HandleFunc("/v1/templates/", s.templateByIDHandler)
	mux.HandleFunc("/v1/macros", s.macrosHandler)
	mux.HandleFunc("/v1/macros/", s.macroByIDHandler)
	mux.HandleFunc("/v1/profiles", s.profilesHandler)
	mux.HandleFunc("/v1/profiles/", s.profileByIDHandler)
	mux.HandleFunc("/v1/jobs", s.jobsHandler)
	mux.HandleFunc("/v1/jobs/", s.jobByIDHandler)
	mux.HandleFunc("/v1/console/", s.consoleHandler)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

// Addr returns the bound listen address, useful when the port was 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

// --- ports ---

func (s *Server) portsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	bauds, err := s.store.PortBaudRates(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "load baud settings")
		return
	}
	s.writeJSON(w, http.StatusOK, api.PortsEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Ports:         s.registry.Statuses(bauds),
	})
}

// resolvePort maps a client port reference, either a numeric id within the
// configured range or a raw device path, to a path and its effective baud.
func (s *Server) resolvePort(ctx context.Context, ref string) (string, int, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", 0, fmt.Errorf("empty port")
	}
	if id, err := strconv.Atoi(ref); err == nil {
		if id < 1 || id > s.cfg.PortCount {
			return "", 0, fmt.Errorf("port id %d out of range 1..%d", id, s.cfg.PortCount)
		}
		baud := s.cfg.DefaultBaud
		if bauds, err := s.store.PortBaudRates(ctx); err == nil {
			if b, ok := bauds[id]; ok && b > 0 {
				baud = b
			}
		}
		return s.cfg.PortPath(id), baud, nil
	}
	return ref, s.cfg.DefaultBaud, nil
}

// --- settings ---

func (s *Server) settingsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	settings, err := s.store.ListSettings(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "list settings")
		return
	}
	s.writeJSON(w, http.StatusOK, api.SettingsEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Settings:      settings,
	})
}

func (s *Server) settingByKeyHandler(w http.ResponseWriter, r *http.Request) {
	key := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/settings/"), "/")
	if key == "" {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "setting route not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		st, err := s.store.GetSetting(r.Context(), key)
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "setting not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "load setting")
			return
		}
		s.writeJSON(w, http.StatusOK, api.SettingEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Setting:       st,
		})
	case http.MethodPut:
		var req api.PutSettingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid request body")
			return
		}
		if key == model.SettingPortBaudRates {
			if msg := validateBaudRates(req.Value, s.cfg.PortCount); msg != "" {
				s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, msg)
				return
			}
		}
		if err := s.store.PutSetting(r.Context(), key, req.Value); err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "store setting")
			return
		}
		st, err := s.store.GetSetting(r.Context(), key)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "load setting")
			return
		}
		s.writeJSON(w, http.StatusOK, api.SettingEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Setting:       st,
		})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

// validateBaudRates checks the port_baud_rates payload shape: string port ids
// in range mapping to positive integer baud rates.
func validateBaudRates(value any, portCount int) string {
	m, ok := value.(map[string]any)
	if !ok {
		return "port_baud_rates must be an object of port id to baud rate"
	}
	for k, v := range m {
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || id < 1 || id > portCount {
			return fmt.Sprintf("invalid port id %q", k)
		}
		f, ok := v.(float64)
		if !ok || f <= 0 || f != float64(int(f)) {
			return fmt.Sprintf("invalid baud rate for port %q", k)
		}
	}
	return ""
}

// --- templates ---

func (s *Server) templatesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		templates, err := s.store.ListTemplates(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "list templates")
			return
		}
		s.writeJSON(w, http.StatusOK, api.TemplatesEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Templates:     templates,
		})
	case http.MethodPost:
		s.createTemplate(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, warnings, ok := s.decodeTemplate(w, r)
	if !ok {
		return
	}
	id, err := s.store.CreateTemplate(r.Context(), tpl)
	if errors.Is(err, db.ErrDuplicate) {
		s.writeError(w, http.StatusConflict, model.ErrCodeValidation, "template name already exists")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "store template")
		return
	}
	created, err := s.store.GetTemplate(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "load template")
		return
	}
	s.writeJSON(w, http.StatusCreated, api.TemplateEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Template:      created,
		Warnings:      warnings,
	})
}

// decodeTemplate parses and validates a template request body, including the
// placeholder-vs-schema consistency check. Dead schema properties are not an
// error; they come back as warnings for the response envelope.
func (s *Server) decodeTemplate(w http.ResponseWriter, r *http.Request) (model.Template, []string, bool) {
	var req api.TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid request body")
		return model.Template{}, nil, false
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "name is required")
		return model.Template{}, nil, false
	}
	if len(req.Steps) == 0 && strings.TrimSpace(req.Body) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "steps or body is required")
		return model.Template{}, nil, false
	}
	raw, err := json.Marshal(req.Steps)
	if err == nil {
		if _, err = model.ParseSteps(raw); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
			return model.Template{}, nil, false
		}
	}
	steps := req.Steps
	if len(steps) == 0 {
		// Body-only templates get their placeholders checked the same way.
		steps = []model.Step{{Type: model.StepCommand, Content: req.Body}}
	}
	warnings, err := template.ValidateSchema(steps, req.ConfigSchema)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return model.Template{}, nil, false
	}
	return model.Template{
		Name:         req.Name,
		Body:         req.Body,
		Steps:        req.Steps,
		ConfigSchema: req.ConfigSchema,
		IsBaseline:   req.IsBaseline,
		ProfileID:    req.ProfileID,
	}, warnings, true
}

func (s *Server) templateByIDHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r.URL.Path, "/v1/templates/")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		tpl, err := s.store.GetTemplate(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "template not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "load template")
			return
		}
		s.writeJSON(w, http.StatusOK, api.TemplateEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Template:      tpl,
		})
	case http.MethodPut:
		tpl, warnings, ok := s.decodeTemplate(w, r)
		if !ok {
			return
		}
		tpl.ID = id
		err := s.store.UpdateTemplate(r.Context(), tpl)
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "template not found")
			return
		}
		if errors.Is(err, db.ErrDuplicate) {
			s.writeError(w, http.StatusConflict, model.ErrCodeValidation, "template name already exists")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "update template")
			return
		}
		updated, err := s.store.GetTemplate(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "load template")
			return
		}
		s.writeJSON(w, http.StatusOK, api.TemplateEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Template:      updated,
			Warnings:      warnings,
		})
	case http.MethodDelete:
		err := s.store.DeleteTemplate(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "template not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "delete template")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

// --- macros ---

func (s *Server) macrosHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		macros, err := s.store.ListMacros(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "list macros")
			return
		}
		s.writeJSON(w, http.StatusOK, api.MacrosEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Macros:        macros,
		})
	case http.MethodPost:
		mac, ok := s.decodeMacro(w, r)
		if !ok {
			return
		}
		id, err := s.store.CreateMacro(r.Context(), mac)
		if errors.Is(err, db.ErrDuplicate) {
			s.writeError(w, http.StatusConflict, model.ErrCodeValidation, "macro name already exists")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "store macro")
			return
		}
		created, err := s.store.GetMacro(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "load macro")
			return
		}
		s.writeJSON(w, http.StatusCreated, api.MacroEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Macro:         created,
		})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) decodeMacro(w http.ResponseWriter, r *http.Request) (model.Macro, bool) {
	var req api.MacroRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid request body")
		return model.Macro{}, false
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "name is required")
		return model.Macro{}, false
	}
	if len(req.Steps) == 0 {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "steps are required")
		return model.Macro{}, false
	}
	if _, err := model.NormalizeMacroSteps(req.Steps); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return model.Macro{}, false
	}
	return model.Macro{
		Name:         req.Name,
		Description:  req.Description,
		Steps:        req.Steps,
		ConfigSchema: req.ConfigSchema,
	}, true
}

func (s *Server) macroByIDHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r.URL.Path, "/v1/macros/")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		mac, err := s.store.GetMacro(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "macro not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "load macro")
			return
		}
		s.writeJSON(w, http.StatusOK, api.MacroEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Macro:         mac,
		})
	case http.MethodPut:
		mac, ok := s.decodeMacro(w, r)
		if !ok {
			return
		}
		mac.ID = id
		err := s.store.UpdateMacro(r.Context(), mac)
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "macro not found")
			return
		}
		if errors.Is(err, db.ErrDuplicate) {
			s.writeError(w, http.StatusConflict, model.ErrCodeValidation, "macro name already exists")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "update macro")
			return
		}
		updated, err := s.store.GetMacro(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "load macro")
			return
		}
		s.writeJSON(w, http.StatusOK, api.MacroEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Macro:         updated,
		})
	case http.MethodDelete:
		err := s.store.DeleteMacro(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "macro not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "delete macro")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

// --- device profiles ---

func (s *Server) profilesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		profiles, err := s.store.ListProfiles(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "list profiles")
			return
		}
		s.writeJSON(w, http.StatusOK, api.ProfilesEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Profiles:      profiles,
		})
	case http.MethodPost:
		var req api.ProfileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Vendor) == "" {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "name and vendor are required")
			return
		}
		id, err := s.store.CreateProfile(r.Context(), model.DeviceProfile{
			Name:             req.Name,
			Vendor:           req.Vendor,
			Description:      req.Description,
			PromptPatterns:   req.PromptPatterns,
			Commands:         req.Commands,
			ErrorMarkers:     req.ErrorMarkers,
			DetectionCommand: req.DetectionCommand,
		})
		if errors.Is(err, db.ErrDuplicate) {
			s.writeError(w, http.StatusConflict, model.ErrCodeValidation, "profile name already exists")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "store profile")
			return
		}
		created, err := s.store.GetProfile(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "load profile")
			return
		}
		s.writeJSON(w, http.StatusCreated, api.ProfileEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Profile:       created,
		})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) profileByIDHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r.URL.Path, "/v1/profiles/")
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		p, err := s.store.GetProfile(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "profile not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "load profile")
			return
		}
		s.writeJSON(w, http.StatusOK, api.ProfileEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Profile:       p,
		})
	case http.MethodDelete:
		err := s.store.DeleteProfile(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "profile not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "delete profile")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

// --- jobs ---

func (s *Server) jobsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jobs, err := s.sched.ListJobs(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "list jobs")
			return
		}
		s.writeJSON(w, http.StatusOK, api.JobsEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Jobs:          jobs,
		})
	case http.MethodPost:
		var req api.CreateJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid request body")
			return
		}
		sreq := scheduler.Request{TemplateID: req.TemplateID, MacroID: req.MacroID}
		for _, t := range req.Targets {
			sreq.Targets = append(sreq.Targets, scheduler.TargetRequest{
				Port:      t.Port,
				Variables: t.Variables,
			})
		}
		job, err := s.sched.CreateJob(r.Context(), sreq)
		var verr *scheduler.ValidationError
		if errors.As(err, &verr) {
			s.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{
				SchemaVersion: schemaVersion,
				GeneratedAt:   time.Now().UTC(),
				Error: api.APIError{
					Code:    model.ErrCodeValidation,
					Message: verr.Message,
					Details: verr.Missing,
				},
			})
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "create job")
			return
		}
		s.writeJSON(w, http.StatusAccepted, api.JobEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Job:           job,
		})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) jobByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/jobs/"), "/")
	parts := strings.Split(tail, "/")
	if parts[0] == "" {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "job route not found")
		return
	}
	jobID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		job, err := s.sched.GetJob(r.Context(), jobID)
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "load job")
			return
		}
		s.writeJSON(w, http.StatusOK, api.JobEnvelope{
			SchemaVersion: schemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Job:           job,
		})
	case len(parts) == 2 && parts[1] == "abort" && r.Method == http.MethodPost:
		err := s.sched.Abort(jobID)
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "job is not running")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "abort job")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodGet:
		s.exportJobCSV(w, r, jobID)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "job route not found")
	}
}

// exportJobCSV streams one row per target with its verification summary.
func (s *Server) exportJobCSV(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.sched.GetJob(r.Context(), jobID)
	if errors.Is(err, db.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "load job")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "job-"+jobID+".csv"))
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"port", "status", "failure_category", "remediation", "checks_passed", "checks_total", "updated_at"})
	for _, t := range job.Targets {
		passed := 0
		for _, c := range t.VerificationResults {
			if c.Status == model.CheckPass {
				passed++
			}
		}
		_ = cw.Write([]string{
			t.Port,
			string(t.Status),
			string(t.FailureCategory),
			t.Remediation,
			strconv.Itoa(passed),
			strconv.Itoa(len(t.VerificationResults)),
			t.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
}

// --- helpers ---

func (s *Server) pathID(w http.ResponseWriter, path, prefix string) (int64, bool) {
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if tail == "" || strings.Contains(tail, "/") {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "route not found")
		return 0, false
	}
	id, err := strconv.ParseInt(tail, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeInvalidRequest, "method not allowed")
}
