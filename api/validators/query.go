package validators

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	pkgerrors "github.com/angelmondragon/mediasearch-backend/pkg/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Page is a validated limit/offset pair from the query string.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ParsePage reads limit and offset. limit defaults to defaultLimit and must be
// in [1, maxLimit]; offset defaults to 0 and must be non-negative.
func ParsePage(r *http.Request, defaultLimit, maxLimit int) (Page, error) {
	limit, err := queryInt(r, "limit", defaultLimit, fmt.Sprintf("min=1,max=%d", maxLimit))
	if err != nil {
		return Page{}, err
	}
	offset, err := queryInt(r, "offset", 0, fmt.Sprintf("min=0,max=%d", math.MaxInt32))
	if err != nil {
		return Page{}, err
	}
	return Page{Limit: limit, Offset: offset}, nil
}

func queryInt(r *http.Request, key string, defaultVal int, rule string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return defaultVal, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeValidation, err, key+" must be numeric").
			WithDetails(map[string]any{"field": key})
	}
	if err := validate.Var(value, rule); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeValidation, err, key+" out of range").
			WithDetails(map[string]any{"field": key, "rule": rule})
	}
	return value, nil
}
