package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("addresscode", func(fl validator.FieldLevel) bool {
		return models.IsAddressCode(fl.Field().String())
	})
	v.RegisterValidation("validity", func(fl validator.FieldLevel) bool {
		_, err := models.ParseValidity(fl.Field().String())
		return err == nil
	})
	return v
}

// decode reads a JSON body into dst and validates it. Failures come back as
// InvalidFormat so they render as 422.
func decode(req *http.Request, dst any) error {
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.InvalidFormat, err, "invalid request payload")
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return apperr.New(apperr.InvalidFormat, "%s", strings.Join(fields, "; "))
		}
		return apperr.Wrap(apperr.InvalidFormat, err, "invalid request payload")
	}
	return nil
}
