package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/docuflow/approval-engine/chain"
	"github.com/docuflow/approval-engine/directory"
	"github.com/docuflow/approval-engine/engine"
	"github.com/docuflow/approval-engine/events"
	"github.com/docuflow/approval-engine/httpx"
	"github.com/docuflow/approval-engine/resolver"
	"github.com/docuflow/approval-engine/rules"
	"github.com/docuflow/approval-engine/storage"
	"github.com/docuflow/approval-engine/types"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	store, err := openStore(logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}

	var dir resolver.Directory
	if base := os.Getenv("IDENTITY_URL"); base != "" {
		dir = directory.NewClient(base)
	} else {
		logger.Warn("IDENTITY_URL not set, using empty static directory")
		dir = &directory.Static{}
	}

	res, err := resolver.New(dir, store)
	if err != nil {
		logger.Fatal("failed to build resolver", zap.Error(err))
	}

	snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	materializer, err := chain.New(rules.NewExprEvaluator(), res, snowflake)
	if err != nil {
		logger.Fatal("failed to build materializer", zap.Error(err))
	}

	bus := events.NewBus(events.WithLogger(logger))
	defer bus.Stop()

	eng, err := engine.New(store, materializer,
		engine.WithEventBus(bus),
		engine.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8084"
	}

	logger.Info("approvald listening", zap.String("port", port))
	if err := http.ListenAndServe(":"+port, router(eng, store)); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// openStore selects the backing store from the environment: Postgres when
// DATABASE_URL is set, Redis when REDIS_ADDR is set, memory otherwise.
func openStore(logger *zap.Logger) (storage.Store, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, err
		}
		st := storage.NewPostgresStore(pool)
		if err := st.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		logger.Info("using postgres store")
		return st, nil
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		st, err := storage.NewRedisStore(storage.RedisOptions{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			PoolSize: 10,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using redis store", zap.String("addr", addr))
		return st, nil
	}
	logger.Info("using in-memory store")
	return storage.NewMemoryStore(), nil
}

type submitRequest struct {
	Document   types.Document         `json:"document"`
	TemplateID uint64                 `json:"template_id"`
	Approvers  []string               `json:"approvers,omitempty"`
	Steps      []types.Step           `json:"steps,omitempty"`
	Groups     []types.ParallelGroup  `json:"groups,omitempty"`
}

func (req *submitRequest) overrides() *chain.Overrides {
	if len(req.Approvers) == 0 && len(req.Steps) == 0 {
		return nil
	}
	return &chain.Overrides{Approvers: req.Approvers, Steps: req.Steps, Groups: req.Groups}
}

func router(eng *engine.Engine, store storage.Store) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Post("/templates", func(w http.ResponseWriter, r *http.Request) {
		var tmpl types.WorkflowTemplate
		if err := httpx.ReadJSON(r, &tmpl); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		if err := tmpl.Validate(); err != nil {
			httpx.WriteError(w, 422, "INVALID_TEMPLATE", err.Error(), nil)
			return
		}
		if err := store.SaveTemplate(r.Context(), tmpl); err != nil {
			httpx.WriteError(w, 500, "STORE_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "template": tmpl})
	})

	r.Post("/delegations", func(w http.ResponseWriter, r *http.Request) {
		var d types.Delegation
		if err := httpx.ReadJSON(r, &d); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now()
		}
		if err := store.SaveDelegation(r.Context(), d); err != nil {
			httpx.WriteError(w, 500, "STORE_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "delegation": d})
	})

	r.Post("/documents", func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		tasks, err := eng.Submit(r.Context(), req.Document, req.TemplateID, req.overrides())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "tasks": tasks})
	})

	r.Route("/documents/{document_id}", func(api chi.Router) {
		api.Post("/resubmit", func(w http.ResponseWriter, r *http.Request) {
			docID, ok := pathID(w, r)
			if !ok {
				return
			}
			var req submitRequest
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			req.Document.ID = docID
			tasks, err := eng.Resubmit(r.Context(), req.Document, req.TemplateID, req.overrides())
			if err != nil {
				writeEngineError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "tasks": tasks})
		})

		api.Post("/decisions", func(w http.ResponseWriter, r *http.Request) {
			docID, ok := pathID(w, r)
			if !ok {
				return
			}
			var req struct {
				ActorID string `json:"actor_id"`
				TaskID  uint64 `json:"task_id"`
				Action  string `json:"action"`
				Remarks string `json:"remarks"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			d, err := eng.Decide(r.Context(), docID, req.ActorID, req.TaskID, req.Action, req.Remarks)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":      httpx.NewRequestID(),
				"task":            d.Task,
				"document_status": d.DocumentStatus,
				"status_changed":  d.StatusChanged,
			})
		})

		api.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			docID, ok := pathID(w, r)
			if !ok {
				return
			}
			status, err := eng.Project(r.Context(), docID)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "status": status})
		})

		api.Get("/tasks", func(w http.ResponseWriter, r *http.Request) {
			docID, ok := pathID(w, r)
			if !ok {
				return
			}
			tasks, err := eng.PendingTasks(r.Context(), docID)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "tasks": tasks})
		})

		api.Get("/history", func(w http.ResponseWriter, r *http.Request) {
			docID, ok := pathID(w, r)
			if !ok {
				return
			}
			tasks, err := eng.History(r.Context(), docID)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "tasks": tasks})
		})

		api.Post("/archive", func(w http.ResponseWriter, r *http.Request) {
			docID, ok := pathID(w, r)
			if !ok {
				return
			}
			if err := eng.Archive(r.Context(), docID); err != nil {
				writeEngineError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "archived": true})
		})
	})

	return r
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "document_id"), 10, 64)
	if err != nil {
		httpx.WriteError(w, 400, "BAD_DOCUMENT_ID", err.Error(), nil)
		return 0, false
	}
	return id, true
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses:
// conflicts are retryable after a fresh read, configuration and
// authorization failures are not.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnauthorizedActor):
		httpx.WriteError(w, 403, "UNAUTHORIZED_ACTOR", err.Error(), nil)
	case errors.Is(err, engine.ErrStaleTask):
		httpx.WriteError(w, 409, "STALE_TASK", err.Error(), map[string]any{"retryable": true})
	case errors.Is(err, engine.ErrOrderingViolation):
		httpx.WriteError(w, 409, "ORDERING_VIOLATION", err.Error(), map[string]any{"retryable": true})
	case errors.Is(err, engine.ErrConsensusRace):
		httpx.WriteError(w, 409, "CONFLICT_RETRY", err.Error(), map[string]any{"retryable": true})
	case errors.Is(err, engine.ErrDocumentTerminal):
		httpx.WriteError(w, 409, "DOCUMENT_TERMINAL", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadySubmitted):
		httpx.WriteError(w, 409, "ALREADY_SUBMITTED", err.Error(), nil)
	case errors.Is(err, engine.ErrNotReturned):
		httpx.WriteError(w, 409, "NOT_RETURNED", err.Error(), nil)
	case errors.Is(err, engine.ErrDocumentArchived):
		httpx.WriteError(w, 410, "DOCUMENT_ARCHIVED", err.Error(), nil)
	case errors.Is(err, engine.ErrConfiguration):
		httpx.WriteError(w, 422, "CONFIGURATION_ERROR", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownAction):
		httpx.WriteError(w, 400, "UNKNOWN_ACTION", err.Error(), nil)
	case errors.Is(err, engine.ErrTaskNotFound), errors.Is(err, storage.ErrStateNotFound), errors.Is(err, storage.ErrTemplateNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
	default:
		httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
	}
}
