// filename: internal/adminapi/routes/common.go
package routes

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/logging"
)

// UserKey ключ контекста gin с именем аутентифицированного пользователя
const UserKey = "user"

// AnonymousUser автор действий при выключенной аутентификации
const AnonymousUser = "anonymous"

var validate = validator.New()

// respondError отвечает JSON с кодом ошибки и HTTP статусом по ее коду // v1.0
func respondError(c *gin.Context, logger *logging.Logger, err error) {
	status := errors.StatusCode(err)
	code := errors.GetErrorCode(err)
	if status >= http.StatusInternalServerError {
		logger.WithRequest(c.Request.Method, c.Request.URL.Path, c.ClientIP()).WithError(err).Error("Request failed")
	}

	body := gin.H{"error": string(code), "message": err.Error()}
	var autoErr *errors.AutoOpsError
	if errors.As(err, &autoErr) && len(autoErr.Details) > 0 {
		body["details"] = autoErr.Details
	}
	c.JSON(status, body)
}

// bindJSON разбирает тело и проверяет теги validate // v1.0
func bindJSON(c *gin.Context, v interface{}) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return errors.Wrap(err, errors.ErrorCodeValidation, "invalid request body")
	}
	if err := validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return errors.ValidationError(strings.ToLower(verrs[0].Field()), "failed on "+verrs[0].Tag())
		}
		return errors.Wrap(err, errors.ErrorCodeValidation, "invalid request body")
	}
	return nil
}

// currentUser возвращает пользователя запроса // v1.0
func currentUser(c *gin.Context) string {
	if user := c.GetString(UserKey); user != "" {
		return user
	}
	return AnonymousUser
}

func queryLimit(c *gin.Context, def, max int) int {
	limit := def
	if s := c.Query("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= max {
			limit = l
		}
	}
	return limit
}
