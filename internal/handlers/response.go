package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/a-h/templ"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"scribe/internal/apperr"
)

// errorResponse はAPIエラーのレスポンスボディ
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor はエラー種別をHTTPステータスに変換
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError はエラーをJSONで返す
// 内部エラーの詳細はログにのみ出す
func respondError(c echo.Context, err error) error {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
		msg = "internal error"
	}
	return c.JSON(status, errorResponse{Error: msg, Kind: string(apperr.KindOf(err))})
}

func badRequest(c echo.Context, format string, args ...any) error {
	return respondError(c, apperr.Validationf(format, args...))
}

// validationMessage はvalidatorのエラーを読みやすい文字列にする
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		p := fmt.Sprintf("field '%s' failed on '%s'", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			p += " (" + fe.Param() + ")"
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ", ")
}

func render(c echo.Context, component templ.Component) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	return component.Render(c.Request().Context(), c.Response())
}
