package cloudinary

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-chat/internal/apperr"
	"github.com/rajivgeraev/flippy-chat/internal/config"
	"github.com/rajivgeraev/flippy-chat/internal/logger"
	"github.com/rajivgeraev/flippy-chat/internal/middleware"
)

// DeliveryHost хост, с которого Cloudinary раздает загруженные файлы
const DeliveryHost = "res.cloudinary.com"

// RequestAccess проверяет доступ пользователя к чату заявки
type RequestAccess interface {
	CanAccess(ctx context.Context, userID, requestID string) error
}

// CloudinaryService выдает подписанные параметры прямой загрузки вложений чата (IMAGE, VIDEO)
type CloudinaryService struct {
	cfg    config.CloudinaryConfig
	access RequestAccess
	log    *logger.Logger
	now    func() time.Time
}

// NewCloudinaryService создает новый экземпляр CloudinaryService
func NewCloudinaryService(cfg config.CloudinaryConfig, access RequestAccess, log *logger.Logger) *CloudinaryService {
	return &CloudinaryService{
		cfg:    cfg,
		access: access,
		log:    log.With("component", "CloudinaryService"),
		now:    time.Now,
	}
}

// Enabled сообщает, заданы ли ключи Cloudinary
func (s *CloudinaryService) Enabled() bool {
	return s.cfg.Enabled()
}

// UploadParams параметры для загрузки файла напрямую в Cloudinary
type UploadParams struct {
	Timestamp    string `json:"timestamp"`
	Signature    string `json:"signature"`
	APIKey       string `json:"api_key"`
	CloudName    string `json:"cloud_name"`
	Folder       string `json:"folder"`
	PublicID     string `json:"public_id"`
	UploadPreset string `json:"upload_preset,omitempty"`
	ResourceType string `json:"resource_type"`
	UploadURL    string `json:"upload_url"`
}

// SignUpload подписывает параметры загрузки вложения в папку заявки
func (s *CloudinaryService) SignUpload(requestID, resourceType string) (*UploadParams, error) {
	switch resourceType {
	case "", "image":
		resourceType = "image"
	case "video":
	default:
		return nil, apperr.Validationf("unsupported resource_type %q", resourceType)
	}

	p := &UploadParams{
		Timestamp:    strconv.FormatInt(s.now().Unix(), 10),
		APIKey:       s.cfg.APIKey,
		CloudName:    s.cfg.CloudName,
		Folder:       path.Join(s.cfg.UploadFolder, requestID),
		PublicID:     uuid.New().String(),
		UploadPreset: s.cfg.UploadPreset,
		ResourceType: resourceType,
		UploadURL:    fmt.Sprintf("https://api.cloudinary.com/v1_1/%s/%s/upload", s.cfg.CloudName, resourceType),
	}

	// Подписываются все параметры запроса, кроме file, api_key и resource_type
	params := url.Values{}
	params.Set("timestamp", p.Timestamp)
	params.Set("folder", p.Folder)
	params.Set("public_id", p.PublicID)
	if p.UploadPreset != "" {
		params.Set("upload_preset", p.UploadPreset)
	}

	signature, err := api.SignParameters(params, s.cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("sign upload params: %w", err)
	}
	p.Signature = signature
	return p, nil
}

// GenerateUploadParams создаёт параметры для загрузки вложения в чат заявки
func (s *CloudinaryService) GenerateUploadParams(c fiber.Ctx) error {
	if !s.Enabled() {
		return fiber.NewError(fiber.StatusServiceUnavailable, "Загрузка файлов не настроена")
	}

	requestID := c.Query("request_id")
	if requestID == "" {
		return apperr.Validation("request_id is required")
	}
	userID := middleware.UserID(c)
	if err := s.access.CanAccess(c.Context(), userID, requestID); err != nil {
		return err
	}

	params, err := s.SignUpload(requestID, c.Query("resource_type"))
	if err != nil {
		if _, ok := apperr.As(err); !ok {
			s.log.Error("failed to sign upload params", "request_id", requestID, "error", err)
		}
		return err
	}

	s.log.Debug("upload params issued", "user_id", userID, "request_id", requestID, "resource_type", params.ResourceType)
	return c.JSON(params)
}
