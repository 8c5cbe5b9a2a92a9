package middleware

import (
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/d60-Lab/feedsync/internal/model"
)

// RegisterValidators 注册自定义 binding 校验：reaction
func RegisterValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("reaction", func(fl validator.FieldLevel) bool {
		return model.ReactionType(fl.Field().String()).Valid()
	})
}
