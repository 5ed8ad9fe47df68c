package gateway

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"payment-service/internal/config"
	"payment-service/internal/errs"
)

const (
	alipayDefaultGateway = "https://openapi.alipay.com/gateway.do"
	alipaySuccessCode    = "10000"
)

// Alipay signs requests with an RSA key pair (sign_type RSA2, SHA256) and
// expresses amounts as decimal strings with two fraction digits.
type Alipay struct {
	appID      string
	gatewayURL string
	notifyURL  string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	client     *http.Client
}

func NewAlipay(cfg config.Alipay, notifyURL string) (*Alipay, error) {
	a := &Alipay{
		appID:      cfg.AppID,
		gatewayURL: cfg.GatewayURL,
		notifyURL:  notifyURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
	if a.gatewayURL == "" {
		a.gatewayURL = alipayDefaultGateway
	}

	if cfg.PrivateKey != "" {
		key, err := parseRSAPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "alipay private key")
		}
		a.privateKey = key
	}
	if cfg.AlipayPublicKey != "" {
		key, err := parseRSAPublicKey(cfg.AlipayPublicKey)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "alipay public key")
		}
		a.publicKey = key
	}
	return a, nil
}

func (a *Alipay) configured() bool {
	return a.appID != "" && a.privateKey != nil && a.publicKey != nil
}

func (a *Alipay) CreateQRPayment(ctx context.Context, orderNo, subject string, amount decimal.Decimal) (string, error) {
	bizContent := map[string]string{
		"out_trade_no": orderNo,
		"total_amount": amount.StringFixed(2),
		"subject":      subject,
	}
	resp, err := a.execute(ctx, "alipay.trade.precreate", bizContent)
	if err != nil {
		return "", err
	}
	if resp.QRCode == "" {
		return "", pkgerrors.Wrap(errs.ErrGateway, "alipay precreate returned no qr_code")
	}
	return resp.QRCode, nil
}

func (a *Alipay) Refund(ctx context.Context, orderNo, refundNo string, amount decimal.Decimal, reason string) (string, error) {
	bizContent := map[string]string{
		"out_trade_no":   orderNo,
		"refund_amount":  amount.StringFixed(2),
		"out_request_no": refundNo,
		"refund_reason":  reason,
	}
	resp, err := a.execute(ctx, "alipay.trade.refund", bizContent)
	if err != nil {
		return "", err
	}
	return resp.TradeNo, nil
}

func (a *Alipay) QueryOrder(ctx context.Context, orderNo string) (*TradeInfo, error) {
	resp, err := a.execute(ctx, "alipay.trade.query", map[string]string{"out_trade_no": orderNo})
	if err != nil {
		return nil, err
	}
	amount, _ := decimal.NewFromString(resp.TotalAmount)
	return &TradeInfo{
		OrderNo: orderNo,
		TradeNo: resp.TradeNo,
		Status:  resp.TradeStatus,
		Amount:  amount,
	}, nil
}

type alipayResponse struct {
	Code        string `json:"code"`
	Msg         string `json:"msg"`
	SubMsg      string `json:"sub_msg"`
	QRCode      string `json:"qr_code"`
	TradeNo     string `json:"trade_no"`
	OutTradeNo  string `json:"out_trade_no"`
	TradeStatus string `json:"trade_status"`
	TotalAmount string `json:"total_amount"`
}

func (a *Alipay) execute(ctx context.Context, method string, bizContent map[string]string) (*alipayResponse, error) {
	if !a.configured() {
		return nil, pkgerrors.Wrap(errs.ErrGateway, "alipay gateway is not configured")
	}

	bizJSON, err := json.Marshal(bizContent)
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"app_id":      a.appID,
		"method":      method,
		"charset":     "utf-8",
		"sign_type":   "RSA2",
		"timestamp":   time.Now().Format("2006-01-02 15:04:05"),
		"version":     "1.0",
		"notify_url":  a.notifyURL,
		"biz_content": string(bizJSON),
	}

	sign, err := a.sign(sortedQuery(params, "sign"))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "alipay sign")
	}
	params["sign"] = sign

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.gatewayURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	httpResp, err := a.client.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrapf(errs.ErrGateway, "alipay %s: %v", method, err)
	}
	defer httpResp.Body.Close()

	var envelope map[string]json.RawMessage
	if err := json.NewDecoder(httpResp.Body).Decode(&envelope); err != nil {
		return nil, pkgerrors.Wrapf(errs.ErrGateway, "alipay %s: invalid response: %v", method, err)
	}

	responseKey := strings.ReplaceAll(method, ".", "_") + "_response"
	raw, ok := envelope[responseKey]
	if !ok {
		return nil, pkgerrors.Wrapf(errs.ErrGateway, "alipay %s: missing %s", method, responseKey)
	}

	var resp alipayResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, pkgerrors.Wrapf(errs.ErrGateway, "alipay %s: invalid payload: %v", method, err)
	}
	if resp.Code != alipaySuccessCode {
		return nil, pkgerrors.Wrapf(errs.ErrGateway, "alipay %s: code=%s msg=%s %s", method, resp.Code, resp.Msg, resp.SubMsg)
	}
	return &resp, nil
}

// VerifyCallback checks the RSA2 signature of an async notification. The
// content to verify is every form parameter except sign and sign_type,
// sorted by key and joined as k=v pairs with '&'.
func (a *Alipay) VerifyCallback(raw []byte) bool {
	if a.publicKey == nil {
		return false
	}

	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return false
	}
	sign := values.Get("sign")
	if sign == "" {
		return false
	}

	params := make(map[string]string, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	content := sortedQuery(params, "sign", "sign_type")

	signature, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(content))
	return rsa.VerifyPKCS1v15(a.publicKey, crypto.SHA256, digest[:], signature) == nil
}

func (a *Alipay) ParseCallback(raw []byte) (*Notification, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, pkgerrors.Wrap(errs.ErrValidation, "alipay callback: not form encoded")
	}
	orderNo := values.Get("out_trade_no")
	if orderNo == "" {
		return nil, pkgerrors.Wrap(errs.ErrValidation, "alipay callback: missing out_trade_no")
	}

	amount, _ := decimal.NewFromString(values.Get("total_amount"))
	status := values.Get("trade_status")

	return &Notification{
		OrderNo:   orderNo,
		TradeNo:   values.Get("trade_no"),
		Amount:    amount,
		Succeeded: status == "TRADE_SUCCESS" || status == "TRADE_FINISHED",
	}, nil
}

func (a *Alipay) AckSuccess() (string, []byte) {
	return "text/plain", []byte("success")
}

func (a *Alipay) AckFailure() (string, []byte) {
	return "text/plain", []byte("fail")
}

func (a *Alipay) sign(content string) (string, error) {
	digest := sha256.Sum256([]byte(content))
	signature, err := rsa.SignPKCS1v15(rand.Reader, a.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

// sortedQuery joins non-empty params as k=v pairs sorted by key, excluding
// the listed keys. Shared by request signing and callback verification.
func sortedQuery(params map[string]string, exclude ...string) string {
	skip := make(map[string]struct{}, len(exclude))
	for _, k := range exclude {
		skip[k] = struct{}{}
	}

	keys := make([]string, 0, len(params))
	for k, v := range params {
		if _, ok := skip[k]; ok || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return sb.String()
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, pkgerrors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, pkgerrors.New("not an RSA private key")
	}
	return key, nil
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, pkgerrors.New("no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, pkgerrors.New("not an RSA public key")
	}
	return key, nil
}
