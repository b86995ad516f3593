package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/newsbell/internal/model"
)

// WeeklyResetter はCMS記事の週次閲覧数をリセットする。
type WeeklyResetter interface {
	ResetWeeklyVisits(ctx context.Context) (*model.WeeklyResetReport, error)
}

// CronHandler は外部スケジューラから呼ばれる定期処理を受け付ける。
type CronHandler struct {
	resetter WeeklyResetter
}

// NewCronHandler はCronHandlerを生成する。
func NewCronHandler(resetter WeeklyResetter) *CronHandler {
	return &CronHandler{resetter: resetter}
}

// WeeklyReset はPOST /cron/weekly-reset を処理する。
func (h *CronHandler) WeeklyReset(w http.ResponseWriter, r *http.Request) {
	report, err := h.resetter.ResetWeeklyVisits(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    report,
	})
}
