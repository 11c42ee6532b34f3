package handler

import (
	"net/http"

	"github.com/sakif/kernelhub/internal/apperror"
	"github.com/sakif/kernelhub/internal/notify"
)

const defaultNoticeCount = 50

// NoticeSource returns the most recent notices, newest last.
type NoticeSource interface {
	Recent(n int) []notify.Notice
}

// NoticeHandler serves user notices so an editor can poll and show them.
type NoticeHandler struct {
	feed NoticeSource
}

func NewNoticeHandler(feed NoticeSource) *NoticeHandler {
	return &NoticeHandler{feed: feed}
}

// HandleList returns recent notices.
//
// HTTP: GET /api/notices?limit=50
func (h *NoticeHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "limit", defaultNoticeCount)
	if err != nil {
		writeError(w, err)
		return
	}
	if n <= 0 {
		writeError(w, apperror.ValidationFailed("limit", "limit must be positive"))
		return
	}
	writeJSON(w, http.StatusOK, h.feed.Recent(n))
}

// HandleHealth reports liveness.
//
// HTTP: GET /healthz
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
