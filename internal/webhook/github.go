package webhook

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	orcherrors "github.com/agentor/agentor/internal/common/errors"
	"github.com/agentor/agentor/internal/trigger"
)

// githubPayload covers the issues and issue_comment event shapes the
// receiver consumes. Everything else in the payload is ignored.
type githubPayload struct {
	Action string `json:"action"`
	Issue  *struct {
		Number   int    `json:"number"`
		Title    string `json:"title"`
		HTMLURL  string `json:"html_url"`
		Assignee *struct {
			Login string `json:"login"`
		} `json:"assignee"`
	} `json:"issue"`
	Label *struct {
		Name string `json:"name"`
	} `json:"label"`
	Comment *struct {
		Body string `json:"body"`
		User *struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// handleGitHub verifies X-Hub-Signature-256 over the raw body, normalizes
// the payload, and hands it to the shared pipeline. Unauthenticated requests
// get 401, unparseable ones 400, everything else 200.
func (r *Receiver) handleGitHub(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	sigHeader := c.GetHeader("X-Hub-Signature-256")
	sigHex, ok := strings.CutPrefix(sigHeader, "sha256=")
	if !ok || !verifySignature(body, sigHex, r.githubSecrets()) {
		sigErr := orcherrors.Signature("github webhook signature mismatch")
		r.logger.Warn("github webhook signature rejected",
			zap.String("delivery_id", c.GetHeader("X-GitHub-Delivery")),
			zap.Error(sigErr))
		c.JSON(orcherrors.GetHTTPStatus(sigErr), gin.H{"error": "invalid signature"})
		return
	}

	var payload githubPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	ev, ok := normalizeGitHub(c.GetHeader("X-GitHub-Event"), c.GetHeader("X-GitHub-Delivery"), payload)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	r.process(c, ev)
}

// normalizeGitHub maps a GitHub event to the provider-neutral shape. The
// second return is false for event/action pairs the orchestrator does not
// react to.
func normalizeGitHub(event, deliveryID string, p githubPayload) (trigger.Event, bool) {
	ev := trigger.Event{
		Source:     "github",
		DeliveryID: deliveryID,
	}
	if p.Repository != nil {
		ev.Repo = p.Repository.FullName
	}
	if p.Issue != nil {
		ev.IssueID = strconv.Itoa(p.Issue.Number)
		ev.IssueURL = p.Issue.HTMLURL
		ev.IssueTitle = p.Issue.Title
		if p.Issue.Assignee != nil {
			ev.Assignee = p.Issue.Assignee.Login
		}
	}

	switch event {
	case "issues":
		switch p.Action {
		case "opened":
			ev.Type = trigger.EventIssueOpened
		case "reopened":
			ev.Type = trigger.EventIssueReopened
		case "labeled":
			ev.Type = trigger.EventIssueLabeled
			if p.Label != nil {
				ev.Label = p.Label.Name
			}
		case "assigned":
			ev.Type = trigger.EventIssueAssigned
		default:
			return trigger.Event{}, false
		}
	case "issue_comment":
		if p.Action != "created" || p.Comment == nil {
			return trigger.Event{}, false
		}
		ev.Type = trigger.EventComment
		ev.Comment = p.Comment.Body
		if p.Comment.User != nil {
			ev.CommentedBy = p.Comment.User.Login
		}
	default:
		return trigger.Event{}, false
	}
	return ev, true
}
