package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/course-enrollment/internal/model"
)

const (
	zarinPalBaseURL        = "https://payment.zarinpal.com"
	zarinPalSandboxBaseURL = "https://sandbox.zarinpal.com"

	// ZarinPal принимает суммы в риалах, домен оперирует томанами.
	rialsPerToman = 10

	codeSuccess         = 100
	codeAlreadyVerified = 101
)

// ZarinPalConfig содержит параметры подключения к ZarinPal.
// Пустой BaseURL выбирает боевой или sandbox-адрес API в зависимости от Sandbox.
type ZarinPalConfig struct {
	MerchantID string
	Sandbox    bool
	BaseURL    string
	Timeout    time.Duration
	RetryMax   int
}

// ZarinPal реализует платёжный шлюз поверх REST API ZarinPal v4.
type ZarinPal struct {
	merchantID string
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewZarinPal создаёт клиент ZarinPal с повторами на сетевых сбоях и ответах 5xx.
func NewZarinPal(cfg ZarinPalConfig, logger *zap.Logger) (*ZarinPal, error) {
	if cfg.MerchantID == "" {
		return nil, fmt.Errorf("%w: zarinpal merchant id is required", model.ErrValidation)
	}

	base := cfg.BaseURL
	if base == "" {
		base = zarinPalBaseURL
		if cfg.Sandbox {
			base = zarinPalSandboxBaseURL
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = retryLogger{logger.Sugar().Named("zarinpal")}

	return &ZarinPal{
		merchantID: cfg.MerchantID,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: client,
	}, nil
}

// Name возвращает имя шлюза, сохраняемое в paymentMethod.
func (z *ZarinPal) Name() string {
	return NameZarinPal
}

type zarinPalMetadata struct {
	Mobile string `json:"mobile,omitempty"`
	Email  string `json:"email,omitempty"`
}

type zarinPalRequestBody struct {
	MerchantID  string           `json:"merchant_id"`
	Amount      int64            `json:"amount"`
	CallbackURL string           `json:"callback_url"`
	Description string           `json:"description"`
	Metadata    zarinPalMetadata `json:"metadata"`
}

type zarinPalVerifyBody struct {
	MerchantID string `json:"merchant_id"`
	Amount     int64  `json:"amount"`
	Authority  string `json:"authority"`
}

type zarinPalEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

type zarinPalData struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Authority string      `json:"authority"`
	RefID     json.Number `json:"ref_id"`
}

type zarinPalError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RequestPayment регистрирует платёж и возвращает токен и адрес страницы оплаты.
func (z *ZarinPal) RequestPayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	data, apiErr, err := z.call(ctx, "/pg/v4/payment/request.json", zarinPalRequestBody{
		MerchantID:  z.merchantID,
		Amount:      req.Amount * rialsPerToman,
		CallbackURL: req.CallbackURL,
		Description: req.Description,
		Metadata:    zarinPalMetadata{Mobile: req.Mobile, Email: req.Email},
	})
	if err != nil {
		return nil, err
	}
	if data == nil || data.Code != codeSuccess || data.Authority == "" {
		return nil, fmt.Errorf("%w: payment request rejected: %s", model.ErrGateway, describe(data, apiErr))
	}

	return &Payment{
		Authority:  data.Authority,
		PaymentURL: z.baseURL + "/pg/StartPay/" + data.Authority,
	}, nil
}

// VerifyPayment подтверждает платёж на указанную сумму.
// Коды 100 и 101 (уже подтверждён) считаются успехом, остальные ответы шлюза означают несовпадение.
func (z *ZarinPal) VerifyPayment(ctx context.Context, authority string, amount int64) (*Verification, error) {
	if authority == "" || amount <= 0 {
		return nil, fmt.Errorf("%w: authority and positive amount are required", model.ErrValidation)
	}

	data, apiErr, err := z.call(ctx, "/pg/v4/payment/verify.json", zarinPalVerifyBody{
		MerchantID: z.merchantID,
		Amount:     amount * rialsPerToman,
		Authority:  authority,
	})
	if err != nil {
		return nil, err
	}
	if data == nil || (data.Code != codeSuccess && data.Code != codeAlreadyVerified) {
		return nil, fmt.Errorf("%w: %s", model.ErrVerificationMismatch, describe(data, apiErr))
	}

	refID := data.RefID.String()
	if refID == "" {
		return nil, fmt.Errorf("%w: verification response has no ref id", model.ErrGateway)
	}

	return &Verification{RefID: refID}, nil
}

// call отправляет JSON-запрос и разбирает конверт ответа.
// Сетевые ошибки, ответы 5xx и неразборчивые ответы возвращаются как ErrGateway.
func (z *ZarinPal) call(ctx context.Context, path string, body any) (*zarinPalData, *zarinPalError, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, z.baseURL+path, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := z.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: do request: %v", model.ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, nil, fmt.Errorf("%w: unexpected status: %d", model.ErrGateway, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read response: %v", model.ErrGateway, err)
	}

	var env zarinPalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: decode response (status %d): %v", model.ErrGateway, resp.StatusCode, err)
	}

	var (
		data   *zarinPalData
		apiErr *zarinPalError
	)
	if isJSONObject(env.Data) {
		data = &zarinPalData{}
		if err := json.Unmarshal(env.Data, data); err != nil {
			return nil, nil, fmt.Errorf("%w: decode data: %v", model.ErrGateway, err)
		}
	}
	if isJSONObject(env.Errors) {
		apiErr = &zarinPalError{}
		if err := json.Unmarshal(env.Errors, apiErr); err != nil {
			return nil, nil, fmt.Errorf("%w: decode errors: %v", model.ErrGateway, err)
		}
	}
	if data == nil && apiErr == nil {
		return nil, nil, fmt.Errorf("%w: empty response (status %d)", model.ErrGateway, resp.StatusCode)
	}

	return data, apiErr, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func describe(data *zarinPalData, apiErr *zarinPalError) string {
	switch {
	case apiErr != nil:
		return "code " + strconv.Itoa(apiErr.Code) + ": " + apiErr.Message
	case data != nil:
		return "code " + strconv.Itoa(data.Code) + ": " + data.Message
	default:
		return "no details"
	}
}

// retryLogger направляет журнал retryablehttp в zap.
type retryLogger struct {
	l *zap.SugaredLogger
}

func (r retryLogger) Error(msg string, kv ...interface{}) { r.l.Errorw(msg, kv...) }
func (r retryLogger) Info(msg string, kv ...interface{})  { r.l.Debugw(msg, kv...) }
func (r retryLogger) Debug(msg string, kv ...interface{}) { r.l.Debugw(msg, kv...) }
func (r retryLogger) Warn(msg string, kv ...interface{})  { r.l.Warnw(msg, kv...) }
