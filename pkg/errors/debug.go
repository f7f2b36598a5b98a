package errors

import (
	stdErrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	amqp "github.com/rabbitmq/amqp091-go"
	"google.golang.org/api/googleapi"
)

// ErrorDump flattens an error chain for structured logs. Driver specific
// fields are filled from the first database, broker or Google API error found
// in the chain.
type ErrorDump struct {
	TopMessage string   `json:"top_message"`
	Code       Code     `json:"code,omitempty"`
	Retryable  bool     `json:"retryable"`
	Chain      []string `json:"chain,omitempty"`

	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`

	AMQPCode    int    `json:"amqp_code,omitempty"`
	AMQPReason  string `json:"amqp_reason,omitempty"`
	AMQPServer  bool   `json:"amqp_server,omitempty"`
	AMQPRecover bool   `json:"amqp_recover,omitempty"`

	GoogleCode   int    `json:"google_code,omitempty"`
	GoogleReason string `json:"google_reason,omitempty"`
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{
		TopMessage: err.Error(),
		Retryable:  IsRetryable(err),
	}
	if te := As(err); te != nil {
		d.Code = te.Code()
	}
	for e := err; e != nil; e = stdErrors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}

	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	var amqpErr *amqp.Error
	var googleErr *googleapi.Error
	switch {
	case stdErrors.As(err, &pgxErr):
		d.PGCode = pgxErr.Code
		d.PGConstraint = pgxErr.ConstraintName
		d.PGTable = pgxErr.TableName
		d.PGDetail = pgxErr.Detail
	case stdErrors.As(err, &pqErr):
		d.PGCode = string(pqErr.Code)
		d.PGConstraint = pqErr.Constraint
		d.PGTable = pqErr.Table
		d.PGDetail = pqErr.Detail
	case stdErrors.As(err, &amqpErr):
		d.AMQPCode = amqpErr.Code
		d.AMQPReason = amqpErr.Reason
		d.AMQPServer = amqpErr.Server
		d.AMQPRecover = amqpErr.Recover
	case stdErrors.As(err, &googleErr):
		d.GoogleCode = googleErr.Code
		if len(googleErr.Errors) > 0 {
			d.GoogleReason = googleErr.Errors[0].Reason
		}
	}
	return d
}

// Fields returns the non-empty dump attributes as log fields.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{
		"error_retryable": d.Retryable,
	}
	if d.Code != "" {
		fields["error_code"] = d.Code
	}
	if len(d.Chain) > 0 {
		fields["error_chain"] = d.Chain
	}
	if d.PGCode != "" {
		fields["pg_code"] = d.PGCode
		fields["pg_constraint"] = d.PGConstraint
		fields["pg_table"] = d.PGTable
	}
	if d.AMQPCode != 0 {
		fields["amqp_code"] = d.AMQPCode
		fields["amqp_reason"] = d.AMQPReason
		fields["amqp_recover"] = d.AMQPRecover
	}
	if d.GoogleCode != 0 {
		fields["google_code"] = d.GoogleCode
		if d.GoogleReason != "" {
			fields["google_reason"] = d.GoogleReason
		}
	}
	return fields
}
