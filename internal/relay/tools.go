package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ent0n29/voicebridge/internal/appointment"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/policy"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/google/uuid"
)

// AppointmentToolName is the function the model calls to book a meeting.
const AppointmentToolName = "schedule_appointment"

// unknownStream is stored when a booking arrives before the stream started.
const unknownStream = "unknown"

var appointmentParameters = json.RawMessage(`{
  "type": "object",
  "properties": {
    "customer_name": {"type": "string", "description": "Full name of the customer."},
    "email": {"type": "string", "description": "Email address to send the invite to."},
    "preferred_day": {"type": "string", "description": "Day next week the customer chose, e.g. terça-feira."},
    "preferred_time": {"type": "string", "description": "Time of day the customer chose, e.g. 10:00."},
    "phone": {"type": "string", "description": "Contact phone, if the customer gave one."},
    "notes": {"type": "string", "description": "Anything the consultant should know before the meeting."}
  },
  "required": ["customer_name", "email", "preferred_day", "preferred_time"]
}`)

// AppointmentTool is the tool definition advertised in the session update.
func AppointmentTool() protocol.Tool {
	return protocol.Tool{
		Type:        "function",
		Name:        AppointmentToolName,
		Description: "Book a meeting between the customer and an investment consultant next week.",
		Parameters:  appointmentParameters,
	}
}

type appointmentArgs struct {
	CustomerName  string `json:"customer_name"`
	Email         string `json:"email"`
	PreferredDay  string `json:"preferred_day"`
	PreferredTime string `json:"preferred_time"`
	Phone         string `json:"phone"`
	Notes         string `json:"notes"`
}

func (a appointmentArgs) missing() []string {
	var out []string
	if strings.TrimSpace(a.CustomerName) == "" {
		out = append(out, "customer_name")
	}
	if strings.TrimSpace(a.Email) == "" {
		out = append(out, "email")
	}
	if strings.TrimSpace(a.PreferredDay) == "" {
		out = append(out, "preferred_day")
	}
	if strings.TrimSpace(a.PreferredTime) == "" {
		out = append(out, "preferred_time")
	}
	return out
}

type toolResult struct {
	Success          bool     `json:"success"`
	Message          string   `json:"message"`
	ConfirmationCode string   `json:"confirmation_code,omitempty"`
	MissingFields    []string `json:"missing_fields,omitempty"`
}

// Dispatcher books appointments requested by the model and reports the
// outcome back as function call output.
type Dispatcher struct {
	store   appointment.Store
	timeout time.Duration
	metrics *observability.Metrics
	now     func() time.Time
}

func NewDispatcher(store appointment.Store, timeout time.Duration, metrics *observability.Metrics) *Dispatcher {
	if store == nil {
		store = appointment.NewInMemoryStore()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{store: store, timeout: timeout, metrics: metrics, now: time.Now}
}

// appointmentCalls picks the scheduling calls out of a completed response.
func appointmentCalls(output []protocol.OutputItem) []protocol.OutputItem {
	var calls []protocol.OutputItem
	for _, item := range output {
		if item.Type == "function_call" && item.Name == AppointmentToolName {
			calls = append(calls, item)
		}
	}
	return calls
}

// Handle processes the calls from one response.done. Every call with
// decodable arguments gets exactly one function_call_output; a single
// response.create follows so the model resumes speaking. Calls with
// undecodable arguments are logged and skipped. It returns how many
// appointments were stored.
func (d *Dispatcher) Handle(ctx context.Context, callID, streamSID string, calls []protocol.OutputItem, send func(protocol.ClientEvent) error) int {
	booked := 0
	answered := 0
	for _, call := range calls {
		var args appointmentArgs
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			log.Printf("relay %s: skipping %s call %s: bad arguments: %v", callID, call.Name, call.CallID, err)
			d.metrics.ToolCall("invalid")
			continue
		}

		result := d.book(ctx, callID, streamSID, call.CallID, args)
		if result.Success {
			booked++
		}
		out, err := json.Marshal(result)
		if err != nil {
			log.Printf("relay %s: encode tool result: %v", callID, err)
			continue
		}
		if err := send(protocol.NewFunctionCallOutput(call.CallID, string(out))); err != nil {
			log.Printf("relay %s: send tool result for %s: %v", callID, call.CallID, err)
			continue
		}
		answered++
	}
	if answered > 0 {
		if err := send(protocol.NewResponseCreate()); err != nil {
			log.Printf("relay %s: request follow-up response: %v", callID, err)
		}
	}
	return booked
}

func (d *Dispatcher) book(ctx context.Context, callID, streamSID, toolCallID string, args appointmentArgs) toolResult {
	if missing := args.missing(); len(missing) > 0 {
		d.metrics.ToolCall("incomplete")
		return toolResult{
			Success:       false,
			Message:       "Missing required fields: " + strings.Join(missing, ", ") + ". Ask the customer for them and try again.",
			MissingFields: missing,
		}
	}
	if streamSID == "" {
		streamSID = unknownStream
	}

	rec := appointment.Record{
		ID:               uuid.NewString(),
		CustomerName:     strings.TrimSpace(args.CustomerName),
		Email:            strings.TrimSpace(args.Email),
		PreferredDay:     strings.TrimSpace(args.PreferredDay),
		PreferredTime:    strings.TrimSpace(args.PreferredTime),
		Phone:            strings.TrimSpace(args.Phone),
		Notes:            strings.TrimSpace(args.Notes),
		StreamSID:        streamSID,
		ToolCallID:       toolCallID,
		ConfirmationCode: confirmationCode(),
		CreatedAt:        d.now().UTC(),
	}

	// The booking must land even if the caller hangs up mid-write.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	started := time.Now()
	if err := d.store.Save(saveCtx, rec); err != nil {
		log.Printf("relay %s: save appointment for %s: %v", callID, policy.Redact(rec.Email), err)
		d.metrics.ToolCall("failed")
		return toolResult{
			Success: false,
			Message: "The appointment could not be saved right now. Apologize and offer to have a consultant confirm by email.",
		}
	}
	d.metrics.ObserveStage("tool_save", time.Since(started))
	d.metrics.ToolCall("booked")
	log.Printf("relay %s: booked %s for %s %s (code %s)", callID, policy.Redact(rec.CustomerName), rec.PreferredDay, rec.PreferredTime, rec.ConfirmationCode)

	return toolResult{
		Success:          true,
		Message:          fmt.Sprintf("Appointment booked for %s on %s at %s. Read the confirmation code to the customer.", rec.CustomerName, rec.PreferredDay, rec.PreferredTime),
		ConfirmationCode: rec.ConfirmationCode,
	}
}

func confirmationCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
