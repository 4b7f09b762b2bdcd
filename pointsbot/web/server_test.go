package web

import (
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/aiclub-dev/pointsbot/pointsbot/processor"
)

func Test_statusCode(t *testing.T) {
	tests := []struct {
		name   string
		result processor.Result
		want   int
	}{
		{
			name:   "ok",
			result: processor.Result{Status: processor.StatusOK, ReasonCode: processor.ReasonOK},
			want:   fiber.StatusOK,
		},
		{
			name:   "duplicate replay is still ok",
			result: processor.Result{Status: processor.StatusOK, ReasonCode: processor.ReasonDuplicateReplay},
			want:   fiber.StatusOK,
		},
		{
			name:   "invalid command",
			result: processor.Result{Status: processor.StatusRejected, ReasonCode: processor.ReasonInvalidCommand},
			want:   fiber.StatusBadRequest,
		},
		{
			name:   "insufficient balance",
			result: processor.Result{Status: processor.StatusRejected, ReasonCode: processor.ReasonInsufficientBalance},
			want:   fiber.StatusUnprocessableEntity,
		},
		{
			name:   "cooldown",
			result: processor.Result{Status: processor.StatusRejected, ReasonCode: processor.ReasonCooldown},
			want:   fiber.StatusUnprocessableEntity,
		},
		{
			name:   "storage unavailable",
			result: processor.Result{Status: processor.StatusRejected, ReasonCode: processor.ReasonStorageUnavailable},
			want:   fiber.StatusServiceUnavailable,
		},
		{
			name:   "internal error",
			result: processor.Result{Status: processor.StatusRejected, ReasonCode: processor.ReasonInternalError},
			want:   fiber.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusCode(tt.result); got != tt.want {
				t.Errorf("statusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
