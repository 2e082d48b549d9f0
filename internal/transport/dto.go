package transport

import "github.com/Skotchmaster/kicklock/internal/models"

type SignInRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type RenewTokenRequest struct {
	Duration models.TokenDuration `json:"duration" validate:"required,oneof=3month 6month 1year"`
}

// ModalRequest is the body of the server-to-server deploy, undeploy and
// status calls.
type ModalRequest struct {
	ModalName string `json:"modal_name" validate:"required,max=128"`
}

// ActionRequest carries an encrypted form payload; Data is the base64
// cryptobox envelope of a JSON object.
type ActionRequest struct {
	Action     string `param:"action" validate:"required,oneof=start stop update"`
	FormNumber int    `param:"formNumber" validate:"required,min=1,max=5"`
	Data       string `json:"data" validate:"required,base64"`
	Username   string `json:"username" validate:"required,max=64"`
}

type LocalActionRequest struct {
	Action          string         `json:"action" validate:"required,oneof=start stop update"`
	FormNumber      int            `json:"formNumber" validate:"required,min=1,max=5"`
	FormData        map[string]any `json:"formData"`
	LogicalUsername string         `json:"logicalUsername"`
}

type DeployRequest struct {
	FormNumber int `json:"formNumber" validate:"required,min=1,max=5"`
}

type AdminSignInRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	Code     string `json:"code" validate:"omitempty,numeric,len=6"`
}

type GenerateTokenRequest struct {
	Duration models.TokenDuration `json:"duration" validate:"required,oneof=3month 6month 1year"`
}

type AdminRenewRequest struct {
	UserID   string               `json:"userId" validate:"required"`
	Duration models.TokenDuration `json:"duration" validate:"required,oneof=3month 6month 1year"`
}

type ConfirmDeleteRequest struct {
	Target string `json:"target" validate:"required,oneof=token user"`
}
