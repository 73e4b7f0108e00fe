package core

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	_ "time/tzdata" // timezone validation must not depend on the host zoneinfo

	"transitreg/pkg/onestopid"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// kind-specific prefixes are checked by validateOperation
	_ = v.RegisterValidation("onestopid", func(fl validator.FieldLevel) bool {
		_, err := onestopid.Parse(fl.Field().String())
		return err == nil
	})
	return v
}

// validationMessage flattens validator errors into one readable line.
func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "onestopid":
			parts = append(parts, fmt.Sprintf("%s %q is not a valid onestop id", field, fe.Value()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		case "timezone":
			parts = append(parts, fmt.Sprintf("%s %q is not a known time zone", field, fe.Value()))
		default:
			if fe.Param() != "" {
				parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
			} else {
				parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
			}
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

func validateOperation(op Operation) error {
	if err := validate.Struct(op.Fields); err != nil {
		return validationMessage(err)
	}
	id := op.Fields.IDs()
	if id.OnestopID != "" {
		if err := onestopid.Validate(op.Kind, id.OnestopID); err != nil {
			return err
		}
	}
	for _, issueID := range op.IssuesResolved {
		if strings.TrimSpace(issueID) == "" {
			return errors.New("issuesResolved contains an empty id")
		}
	}
	switch op.Action {
	case ActionChangeOnestopID:
		if id.OnestopID == "" || id.NewOnestopID == "" {
			return errors.New("changeOnestopID requires onestopId and newOnestopId")
		}
		if id.ProvisionalID != "" || op.Fields.attributes() {
			return errors.New("changeOnestopID cannot be combined with attribute updates")
		}
		return onestopid.Validate(op.Kind, id.NewOnestopID)
	case ActionDestroy:
		if id.Ref() == "" {
			return errors.New("destroy requires onestopId")
		}
		if id.NewOnestopID != "" {
			return errors.New("newOnestopId is only allowed with changeOnestopID")
		}
	case ActionCreateUpdate:
		if id.NewOnestopID != "" {
			return errors.New("newOnestopId is only allowed with changeOnestopID")
		}
	}
	return nil
}

// missingFields reports the names of required-on-create fields that are nil.
func missingFields(fields map[string]bool) error {
	var missing []string
	for _, name := range sortedKeys(fields) {
		if !fields[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("missing required fields for create: %s", strings.Join(missing, ", "))
}
