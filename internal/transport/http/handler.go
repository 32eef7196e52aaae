package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"mirra/internal/dispatch"
	"mirra/internal/domain"
	"mirra/internal/exerr"
	"mirra/internal/orchestrator"
	"mirra/internal/store/auditlog"
)

// triggerSchema validates the wire payload before it reaches the
// orchestrator; field names and enums are the boundary contract.
const triggerSchema = `{
  "type": "object",
  "required": ["action", "exchange"],
  "properties": {
    "action": {
      "type": "string",
      "enum": ["create_copy_orders", "cancel_copy_orders", "close_position_copy_orders", "edit_subscribers_positions"]
    },
    "exchange": {"type": "string", "minLength": 1},
    "sandbox_mode": {"type": "boolean"},
    "root_order_id": {"type": "integer", "minimum": 1},
    "order": {
      "type": "object",
      "properties": {
        "symbol": {"type": "string"},
        "side": {"type": "string", "enum": ["buy", "sell"]},
        "order_type": {"type": "string", "enum": ["market", "limit"]},
        "amount": {"type": "number", "minimum": 0},
        "entry_point": {"type": "number", "minimum": 0},
        "take_profit": {"type": "number", "minimum": 0},
        "stop_loss": {"type": "number", "minimum": 0},
        "leverage": {"type": "integer", "minimum": 1}
      }
    },
    "subscribers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["api_key", "secret"],
        "properties": {
          "api_key": {"type": "string", "minLength": 1},
          "secret": {"type": "string", "minLength": 1},
          "password": {"type": "string"},
          "copy_setting_margin": {"type": "number", "minimum": 0},
          "copy_setting_take_profit_pct": {"type": "number", "minimum": 0},
          "copy_setting_stop_loss_pct": {"type": "number", "minimum": 0}
        }
      }
    }
  },
  "allOf": [
    {
      "if": {"properties": {"action": {"const": "create_copy_orders"}}},
      "then": {
        "required": ["order"],
        "properties": {
          "order": {"required": ["symbol", "side", "order_type", "amount", "entry_point", "leverage"]}
        }
      }
    },
    {
      "if": {"properties": {"action": {"enum": ["cancel_copy_orders", "close_position_copy_orders", "edit_subscribers_positions"]}}},
      "then": {"required": ["root_order_id"]}
    }
  ]
}`

var compiledTriggerSchema = jsonschema.MustCompileString("trigger.json", triggerSchema)

type triggerHandler struct {
	orch  *orchestrator.Orchestrator
	audit *auditlog.Store
}

// outcomeJSON is the per-subscriber wire shape: ok, result or
// exception_detail, and the subscriber context echoed back.
type outcomeJSON struct {
	OK             bool                       `json:"ok"`
	Result         any                        `json:"result"`
	SubscriberData dispatch.SubscriberContext `json:"subscriber_data"`
}

type triggerResponse struct {
	RootOrderID    uint64        `json:"root_order_id"`
	RootPositionID uint64        `json:"root_position_id,omitempty"`
	Outcomes       []outcomeJSON `json:"outcomes"`
}

func (h *triggerHandler) handleTrigger(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取请求体失败"})
		return
	}
	var payload any
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体不是合法 JSON"})
		return
	}
	if err := compiledTriggerSchema.Validate(payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求校验失败", "detail": err.Error()})
		return
	}

	var trig orchestrator.Trigger
	if err := json.Unmarshal(raw, &trig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.orch.Run(c.Request.Context(), trig)
	if err != nil {
		status := http.StatusInternalServerError
		body := gin.H{"error": err.Error()}
		if de, ok := exerr.As(err); ok {
			status = http.StatusBadGateway
			body = gin.H{"error": de.Message, "kind": string(de.Kind), "exchange": de.Exchange}
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, renderResult(res))
}

func renderResult(res *orchestrator.Result) triggerResponse {
	out := triggerResponse{
		RootOrderID:    res.RootOrderID,
		RootPositionID: res.RootPositionID,
		Outcomes:       make([]outcomeJSON, 0, len(res.Outcomes)),
	}
	for _, o := range res.Outcomes {
		entry := outcomeJSON{OK: o.OK, SubscriberData: o.Subscriber}
		switch {
		case !o.OK && o.Err != nil:
			entry.Result = gin.H{"exception_detail": o.Err.Message, "kind": string(o.Err.Kind)}
		case o.Result != nil:
			entry.Result = o.Result
		default:
			entry.Result = gin.H{}
		}
		out.Outcomes = append(out.Outcomes, entry)
	}
	return out
}

func (h *triggerHandler) handleAudit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "审计日志未启用"})
		return
	}
	q := auditlog.Query{
		Action:   domain.Action(c.Query("action")),
		Exchange: c.Query("exchange"),
	}
	records, err := h.audit.ListRecent(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}
