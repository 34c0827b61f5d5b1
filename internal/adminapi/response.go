package adminapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/whatsdash/internal/app"
	"github.com/talkincode/whatsdash/internal/webserver"
	"gorm.io/gorm"
)

type pageMeta struct {
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"data": data})
}

func created(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusCreated, map[string]interface{}{"data": data})
}

func paged(c echo.Context, data interface{}, total int64, page, pageSize int) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data": data,
		"meta": pageMeta{Total: total, Page: page, PageSize: pageSize},
	})
}

func fail(c echo.Context, status int, code, msg string, details interface{}) error {
	body := map[string]interface{}{
		"error":   code,
		"message": msg,
	}
	if details != nil {
		body["details"] = details
	}
	return c.JSON(status, body)
}

const maxPage = 1 << 20

// parsePagination reads page and perPage (or the older pageSize) query params.
func parsePagination(c echo.Context) (int, int) {
	page := 1
	if p, err := strconv.Atoi(c.QueryParam("page")); err == nil && p > 0 {
		page = p
	}
	if page > maxPage {
		page = maxPage
	}
	pageSize := 20
	raw := c.QueryParam("perPage")
	if raw == "" {
		raw = c.QueryParam("pageSize")
	}
	if ps, err := strconv.Atoi(raw); err == nil && ps > 0 && ps <= 500 {
		pageSize = ps
	}
	return page, pageSize
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid %s", name)
	}
	return id, nil
}

func GetAppContext(c echo.Context) app.AppContext {
	return c.Get(webserver.AppContextKey).(app.AppContext)
}

func GetDB(c echo.Context) *gorm.DB {
	return GetAppContext(c).DB()
}

// GetOperatorID returns the JWT subject of the request, or the configured
// default owner when authentication is disabled.
func GetOperatorID(c echo.Context) string {
	if sub := webserver.OperatorSubject(c); sub != "" {
		return sub
	}
	return GetAppContext(c).Config().Gateway.DefaultOwner
}

func handleValidationError(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return fail(c, http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", fields)
}
