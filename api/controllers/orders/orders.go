package orders

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Genocs/genocs-library-template/api/middleware"
	"github.com/Genocs/genocs-library-template/api/responses"
	"github.com/Genocs/genocs-library-template/api/validators"
	internalorders "github.com/Genocs/genocs-library-template/internal/orders"
	"github.com/Genocs/genocs-library-template/pkg/enums"
	pkgerrors "github.com/Genocs/genocs-library-template/pkg/errors"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
	"github.com/Genocs/genocs-library-template/pkg/messaging/payloads"
	"github.com/Genocs/genocs-library-template/pkg/validation"
)

const maxIDLength = 64

type submitOrderRequest struct {
	OrderID   string             `json:"orderId"`
	UserID    string             `json:"userId"`
	CardToken string             `json:"cardToken"`
	Amount    *decimal.Decimal   `json:"amount"`
	Currency  string             `json:"currency"`
	Basket    []payloads.Product `json:"basket"`
}

// SubmitAccepted is returned once the command is on the broker.
type SubmitAccepted struct {
	OrderID   string `json:"orderId"`
	MessageID string `json:"messageId"`
}

// Submit publishes a SubmitOrder command and answers 202. Missing order and
// user ids are generated.
func Submit(publisher messaging.Publisher, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if publisher == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "command publisher unavailable"))
			return
		}

		var req submitOrderRequest
		if err := validators.DecodeJSONBody(w, r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		cmd := buildCommand(req)
		if err := validation.Struct(cmd); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		env, err := messaging.NewEnvelope(enums.KindSubmitOrder, cmd, time.Now())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build submit order envelope"))
			return
		}
		msg, err := env.Message(messaging.DestinationCommands)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode submit order envelope"))
			return
		}

		if reqID := middleware.RequestIDFromContext(r.Context()); reqID != "" {
			msg.Attributes[messaging.AttrRequestID] = reqID
		}

		ctx := logg.WithMessageID(logg.WithOrderID(r.Context(), cmd.OrderID), env.MessageID)
		if err := publisher.Publish(ctx, msg); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodePublish, err, "publish submit order"))
			return
		}
		logg.Info(ctx, "submit order accepted")

		responses.WriteSuccessStatus(w, http.StatusAccepted, SubmitAccepted{
			OrderID:   cmd.OrderID,
			MessageID: env.MessageID,
		})
	}
}

// Get returns a persisted order by business id.
func Get(reader internalorders.Reader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reader == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		orderID, err := validators.PathParam(r, "orderId", maxIDLength)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := reader.Get(logg.WithOrderID(r.Context(), orderID), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

func buildCommand(req submitOrderRequest) payloads.SubmitOrder {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		orderID = uuid.NewString()
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = uuid.NewString()
	}
	return payloads.SubmitOrder{
		OrderID:   orderID,
		UserID:    userID,
		CardToken: strings.TrimSpace(req.CardToken),
		Amount:    req.Amount,
		Currency:  strings.ToUpper(strings.TrimSpace(req.Currency)),
		Basket:    req.Basket,
	}
}
