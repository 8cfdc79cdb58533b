package webhook

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	orcherrors "github.com/agentor/agentor/internal/common/errors"
	"github.com/agentor/agentor/internal/trigger"
)

// planeClosedState reports whether a Plane state group counts as closed for
// reopen detection.
func planeClosedState(state string) bool {
	switch strings.ToLower(state) {
	case "completed", "cancelled":
		return true
	}
	return false
}

// planePayload covers Plane's issue and issue_comment webhook shapes.
type planePayload struct {
	Event       string `json:"event"`  // issue, issue_comment
	Action      string `json:"action"` // created, updated, deleted
	WorkspaceID string `json:"workspace_id"`
	Data        struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		IssueID     string `json:"issue"`        // set on comments
		CommentHTML string `json:"comment_html"` // set on comments
		Actor       struct {
			DisplayName string `json:"display_name"`
		} `json:"actor"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
		Assignees []struct {
			DisplayName string `json:"display_name"`
		} `json:"assignees"`
	} `json:"data"`
	Updates struct {
		Field    string `json:"field"`
		NewValue string `json:"new_value"`
		OldValue string `json:"old_value"`
	} `json:"updates"`
}

// handlePlane verifies X-Plane-Signature (bare hex, no prefix) over the raw
// body, normalizes the payload, and hands it to the shared pipeline.
func (r *Receiver) handlePlane(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	sigHex := c.GetHeader("X-Plane-Signature")
	if sigHex == "" || !verifySignature(body, sigHex, r.planeSecrets()) {
		sigErr := orcherrors.Signature("plane webhook signature mismatch")
		r.logger.Warn("plane webhook signature rejected",
			zap.String("delivery_id", c.GetHeader("X-Plane-Delivery")),
			zap.Error(sigErr))
		c.JSON(orcherrors.GetHTTPStatus(sigErr), gin.H{"error": "invalid signature"})
		return
	}

	var payload planePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	ev, ok := normalizePlane(c.GetHeader("X-Plane-Delivery"), payload)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	r.process(c, ev)
}

// normalizePlane maps a Plane event to the provider-neutral shape. Field
// changes arrive as issue updates with the changed field in the updates
// sub-object; label, assignee, and reopen changes map to their own event
// types.
func normalizePlane(deliveryID string, p planePayload) (trigger.Event, bool) {
	ev := trigger.Event{
		Source:      "plane",
		DeliveryID:  deliveryID,
		WorkspaceID: p.WorkspaceID,
	}

	switch p.Event {
	case "issue":
		ev.IssueID = p.Data.ID
		ev.IssueTitle = p.Data.Name
		if len(p.Data.Assignees) > 0 {
			ev.Assignee = p.Data.Assignees[0].DisplayName
		}
		switch p.Action {
		case "created":
			ev.Type = trigger.EventIssueOpened
		case "updated":
			ev.Type = trigger.EventIssueUpdated
			switch p.Updates.Field {
			case "labels":
				ev.Type = trigger.EventIssueLabeled
				ev.Label = p.Updates.NewValue
			case "assignees":
				ev.Type = trigger.EventIssueAssigned
				ev.Assignee = p.Updates.NewValue
			case "state":
				if planeClosedState(p.Updates.OldValue) && !planeClosedState(p.Updates.NewValue) {
					ev.Type = trigger.EventIssueReopened
				}
			}
		default:
			return trigger.Event{}, false
		}
		if ev.Label == "" && len(p.Data.Labels) > 0 {
			ev.Label = p.Data.Labels[0].Name
		}
	case "issue_comment":
		if p.Action != "created" {
			return trigger.Event{}, false
		}
		ev.Type = trigger.EventComment
		ev.IssueID = p.Data.IssueID
		ev.Comment = p.Data.CommentHTML
		ev.CommentedBy = p.Data.Actor.DisplayName
	default:
		return trigger.Event{}, false
	}
	return ev, true
}
