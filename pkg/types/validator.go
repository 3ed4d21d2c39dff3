package types

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator with the relay rules registered:
//
//	notreserved - the string is not a reserved pub/sub channel
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("notreserved", func(fl validator.FieldLevel) bool {
			return !IsReservedChannel(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// Validate checks an announcement: name, version and channel are required
// and the channel must not be reserved.
func (a Announcement) Validate() error {
	return Validator().Struct(a)
}
