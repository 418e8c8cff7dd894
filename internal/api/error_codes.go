// internal/api/error_codes.go
package api

import (
	"net/http"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
)

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest        = "BAD_REQUEST"
	ErrorNotFound          = "NOT_FOUND"
	ErrorInternalError     = "INTERNAL_ERROR"
	ErrorConflict          = "CONFLICT"
	ErrorInvalidOperation  = "INVALID_OPERATION"
	ErrorRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

	// 会话相关错误
	ErrorSessionNotFound    = "SESSION_NOT_FOUND"
	ErrorSessionBusy        = "SESSION_BUSY"
	ErrorResponseNotFound   = "RESPONSE_NOT_FOUND"
	ErrorNoCharacterState   = "CHARACTER_STATE_NOT_FOUND"
	ErrorStreamNotAvailable = "STREAM_NOT_AVAILABLE"

	// 配置相关错误
	ErrorSettingsInvalid = "SETTINGS_INVALID"
)

// statusForError 把领域错误映射为HTTP状态码与错误代码
func statusForError(err error) (int, string) {
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest, ErrorBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound, ErrorNotFound
	case apperrors.ErrorTypeConflict:
		return http.StatusConflict, ErrorSessionBusy
	case apperrors.ErrorTypeInvalidOperation:
		return http.StatusUnprocessableEntity, ErrorInvalidOperation
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout, ErrorInternalError
	default:
		return http.StatusInternalServerError, ErrorInternalError
	}
}
