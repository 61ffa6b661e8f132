package robokassa

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const checkoutURL = "https://auth.robokassa.ru/Merchant/Index.aspx"

var (
	ErrInvalidSignature = errors.New("invalid robokassa signature")
	ErrMalformedResult  = errors.New("malformed robokassa result")
)

type Client struct {
	merchantLogin string
	password1     string
	password2     string
	testMode      bool
	baseURL       string
}

// Result is a parsed ResultURL notification.
type Result struct {
	InvID     int64
	OutSum    decimal.Decimal
	Signature string
}

func NewClient(merchantLogin, password1, password2 string, testMode bool) *Client {
	return &Client{
		merchantLogin: merchantLogin,
		password1:     password1,
		password2:     password2,
		testMode:      testMode,
		baseURL:       checkoutURL,
	}
}

// FormatSum renders an amount the way Robokassa signs it.
func FormatSum(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

// PaymentURL builds the checkout link for an invoice, signed with password #1.
func (c *Client) PaymentURL(invID int64, amount decimal.Decimal, description string) string {
	outSum := FormatSum(amount)
	sig := md5Hex(fmt.Sprintf("%s:%s:%d:%s", c.merchantLogin, outSum, invID, c.password1))

	q := url.Values{}
	q.Set("MerchantLogin", c.merchantLogin)
	q.Set("OutSum", outSum)
	q.Set("InvId", strconv.FormatInt(invID, 10))
	q.Set("Description", description)
	q.Set("SignatureValue", sig)
	if c.testMode {
		q.Set("IsTest", "1")
	}
	return c.baseURL + "?" + q.Encode()
}

// ResultSignature is MD5(OutSum:InvId:Password2) as lowercase hex.
func (c *Client) ResultSignature(outSum string, invID int64) string {
	return md5Hex(fmt.Sprintf("%s:%d:%s", outSum, invID, c.password2))
}

// ParseResult reads InvId, OutSum and SignatureValue from the callback form.
func ParseResult(form url.Values) (*Result, error) {
	invID, err := strconv.ParseInt(strings.TrimSpace(form.Get("InvId")), 10, 64)
	if err != nil || invID <= 0 {
		return nil, fmt.Errorf("%w: bad InvId %q", ErrMalformedResult, form.Get("InvId"))
	}
	outSum, err := decimal.NewFromString(strings.TrimSpace(form.Get("OutSum")))
	if err != nil {
		return nil, fmt.Errorf("%w: bad OutSum %q", ErrMalformedResult, form.Get("OutSum"))
	}
	sig := strings.TrimSpace(form.Get("SignatureValue"))
	if sig == "" {
		return nil, fmt.Errorf("%w: SignatureValue is missing", ErrMalformedResult)
	}
	return &Result{InvID: invID, OutSum: outSum, Signature: sig}, nil
}

// VerifyResult checks the callback signature. Robokassa may send the hash in
// either case, and OutSum as raw as it was posted. Without password #2 every
// callback is rejected.
func (c *Client) VerifyResult(form url.Values) (*Result, error) {
	res, err := ParseResult(form)
	if err != nil {
		return nil, err
	}
	if c.password2 == "" {
		return nil, ErrInvalidSignature
	}
	expected := c.ResultSignature(strings.TrimSpace(form.Get("OutSum")), res.InvID)
	got := strings.ToLower(res.Signature)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return nil, ErrInvalidSignature
	}
	return res, nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
