package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"escrowline/internal/custody"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/engine/auth"
	"escrowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"mission.funded not allowed while mission is delivered"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Escrowline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Escrowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the engine's typed errors onto the HTTP error envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ue auth.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusForbidden, "unauthorized", err.Error(), map[string]any{"required_role": string(ue.Role)})
	}
	var se engine.InvalidStateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"status": string(se.Status)})
	}
	var we custody.WrongAmountError
	if errors.As(err, &we) {
		return newAPIError(http.StatusUnprocessableEntity, "wrong_amount", err.Error(), map[string]any{"required": we.Want, "deposited": we.Got})
	}
	var ae engine.InvalidArgumentError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusBadRequest, "invalid_argument", err.Error(), map[string]any{"field": ae.Field})
	}
	var ce custody.InsufficientCustodyError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusInternalServerError, "insufficient_custody", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_argument"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "invalid_state"
	case http.StatusUnprocessableEntity:
		return "wrong_amount"
	case http.StatusForbidden:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			spec, _ = json.Marshal(api.OpenAPI())
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Escrowline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Store status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		count, err := e.Repo.CountMissions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		escrowed, err := e.Repo.SumEscrowed(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		held, err := e.Custody.Held(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountMissionsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		byStatus := make(map[string]int64, len(counts))
		for s, n := range counts {
			byStatus[string(s)] = n
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			MissionsCount:    count,
			EscrowedTotal:    escrowed,
			CustodyHeld:      held,
			Administrator:    e.Administrator,
			MissionsByStatus: byStatus,
		}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated caller identity",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthenticated", "authentication required", nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"actor_id": p.ActorID, "source": p.Source}}, nil
	})
}

type MissionPath struct {
	MissionID int64 `path:"mission_id"`
}

type missionBody struct {
	Body domain.Mission `json:"body"`
}

func missionOut(m domain.Mission) *missionBody {
	return &missionBody{Body: m}
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Add mission",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*missionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AddMission(ctx, engine.MissionCreateOptions{
			Creator:          actorID,
			Title:            input.Body.Title,
			Description:      input.Body.Description,
			PaymentAmount:    input.Body.PaymentAmount,
			DeliveryDeadline: input.Body.DeliveryDeadline,
			ValidationPeriod: input.Body.ValidationPeriod,
			ArbiterEnabled:   input.Body.ArbiterEnabled,
			CancellationType: input.Body.CancellationType,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return missionOut(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",created,funded,in_progress,delivered,approved,rejected,disputed,refunded,cancelled"`
		Limit  int    `query:"limit"`
		Cursor int64  `query:"cursor"`
	}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		items, err := e.Repo.ListMissions(ctx, domain.Status(input.Status), input.Limit, input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *MissionPath) (*missionBody, error) {
		m, err := e.Repo.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return missionOut(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-mission-transitions",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/transitions",
		Summary:     "Mission transition log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *MissionPath) (*struct {
		Body []domain.Transition `json:"body"`
	}, error) {
		if _, err := e.Repo.GetMission(ctx, input.MissionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTransitions(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Transition `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-mission-ledger",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/ledger",
		Summary:     "Mission custody ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *MissionPath) (*struct {
		Body []domain.LedgerEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetMission(ctx, input.MissionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListLedger(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LedgerEntry `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fund-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/fund",
		Summary:     "Fund mission escrow",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body FundMissionRequest `json:"body"`
	}) (*missionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.FundMission(ctx, input.MissionID, actorID, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return missionOut(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/accept",
		Summary:     "Accept mission as freelancer",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *MissionPath) (*missionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AcceptMission(ctx, input.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return missionOut(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deliver-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/deliver",
		Summary:     "Deliver mission work",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *MissionPath) (*missionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.DeliverMission(ctx, input.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return missionOut(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/approve",
		Summary:     "Approve delivery and release escrow",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *MissionPath) (*missionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ApproveMission(ctx, input.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return missionOut(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/reject",
		Summary:     "Reject delivery with extra time",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body RejectMissionRequest `json:"body"`
	}) (*missionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RejectMission(ctx, input.MissionID, actorID, input.Body.ExtraTime, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return missionOut(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-approve-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/auto-approve",
		Summary:     "Release escrow after validation deadline",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *MissionPath) (*missionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AutoApprove(ctx, input.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return missionOut(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispute-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/dispute",
		Summary:     "Open a dispute",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body DisputeMissionRequest `json:"body"`
	}) (*missionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.DisputeMission(ctx, input.MissionID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return missionOut(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/resolve",
		Summary:     "Resolve a dispute as administrator",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body ResolveDisputeRequest `json:"body"`
	}) (*missionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ResolveDispute(ctx, input.MissionID, actorID, input.Body.PayFreelancer)
		if err != nil {
			return nil, handleError(err)
		}
		return missionOut(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refund-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/refund",
		Summary:     "Refund escrow to creator",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *MissionPath) (*missionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RefundMission(ctx, input.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return missionOut(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/cancel",
		Summary:     "Cancel an unassigned mission",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *MissionPath) (*missionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CancelMission(ctx, input.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return missionOut(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-delivery-deadline",
		Method:      http.MethodPatch,
		Path:        "/missions/{mission_id}/deadline",
		Summary:     "Update the delivery deadline",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		MissionPath
		Body UpdateDeadlineRequest `json:"body"`
	}) (*missionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdateDeliveryDeadline(ctx, input.MissionID, actorID, input.Body.DeliveryDeadline)
		if err != nil {
			return nil, handleError(err)
		}
		return missionOut(m), nil
	})
}
