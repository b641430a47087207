package keyserver

import (
	"github.com/InsulaLabs/vessel/models"
	"github.com/InsulaLabs/vessel/session"
)

const (
	SDKType    = "vessel-go"
	SDKVersion = "0.1.0"

	headerSDKType    = "Client-Sdk-Type"
	headerSDKVersion = "Client-Sdk-Version"
	headerRequestID  = "Request-Id"
)

// Error codes returned in ErrorResponse.Error.
const (
	CodeNoAccess           = "NoAccess"
	CodeExpiredSession     = "ExpiredSession"
	CodeInvalidCertificate = "InvalidCertificate"
	CodeInvalidSignature   = "InvalidSignature"
	CodeInvalidPTB         = "InvalidPTB"
	CodeInvalidParameter   = "InvalidParameter"
	CodeRateLimited        = "RateLimited"
	CodeUnknownService     = "UnknownService"
	CodeInternal           = "Internal"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type ServiceResponse struct {
	ServiceID models.ID `json:"service_id"`
	PublicKey string    `json:"public_key"`
}

// FetchKeyRequest is the body of POST /v1/fetch_key. Byte fields are
// standard base64.
type FetchKeyRequest struct {
	PTB              string              `json:"ptb"`
	EncKey           string              `json:"enc_key"`
	Encapsulation    string              `json:"encapsulation"`
	Certificate      session.Certificate `json:"certificate"`
	RequestSignature string              `json:"request_signature"`
}

type DecryptionKey struct {
	ID           models.ID `json:"id"`
	EncryptedKey string    `json:"encrypted_key"`
}

type FetchKeyResponse struct {
	DecryptionKeys []DecryptionKey `json:"decryption_keys"`
}
