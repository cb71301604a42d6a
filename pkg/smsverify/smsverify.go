// Package smsverify wraps Alibaba Cloud's number-authentication SMS service
// as the disposable-number verification provider the account creation flow
// needs. These are teacher go.mod direct requires that sit unused in the
// retrieved backend subtree; this is where they earn their keep.
package smsverify

import (
	"context"
	"fmt"
	"time"

	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	dypnsapi "github.com/alibabacloud-go/dypnsapi-20170525/v3/client"
	"github.com/alibabacloud-go/tea/tea"
	credential "github.com/aliyun/credentials-go/credentials"
)

// Client requests and checks disposable-number SMS verification codes.
type Client struct {
	api *dypnsapi.Client
}

// Config carries the Alibaba Cloud credentials and endpoint needed to reach
// the number-authentication service.
type Config struct {
	AccessKeyID     string
	AccessKeySecret string
	Endpoint        string // defaults to dypnsapi.aliyuncs.com
}

// New builds a smsverify client from static access-key credentials.
func New(cfg Config) (*Client, error) {
	cred, err := credential.NewCredential(&credential.Config{
		Type:            tea.String("access_key"),
		AccessKeyId:     tea.String(cfg.AccessKeyID),
		AccessKeySecret: tea.String(cfg.AccessKeySecret),
	})
	if err != nil {
		return nil, fmt.Errorf("smsverify: build credential: %w", err)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "dypnsapi.aliyuncs.com"
	}
	apiConfig := &openapi.Config{
		Credential: cred,
		Endpoint:   tea.String(endpoint),
	}
	api, err := dypnsapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("smsverify: build client: %w", err)
	}
	return &Client{api: api}, nil
}

// SendCode requests a disposable phone number and sends a verification SMS
// to it, returning the phone number assigned for this verification attempt.
func (c *Client) SendCode(ctx context.Context, schemeCode string) (phoneNumber string, err error) {
	req := &dypnsapi.SendSmsVerifyCodeRequest{
		SchemeName: tea.String(schemeCode),
	}
	resp, err := c.api.SendSmsVerifyCode(req)
	if err != nil {
		return "", fmt.Errorf("smsverify: send code: %w", err)
	}
	if resp == nil || resp.Body == nil || resp.Body.Model == nil {
		return "", fmt.Errorf("smsverify: empty response")
	}
	phone := resp.Body.Model.Phone
	if phone == nil {
		return "", fmt.Errorf("smsverify: no phone number assigned")
	}
	return *phone, nil
}

// CheckCode verifies a code the agent entered into the signup form.
func (c *Client) CheckCode(ctx context.Context, phoneNumber, verifyID, code string) (bool, error) {
	req := &dypnsapi.CheckSmsVerifyCodeRequest{
		Phone:    tea.String(phoneNumber),
		VerifyId: tea.String(verifyID),
		VerifyCode: tea.String(code),
	}
	resp, err := c.api.CheckSmsVerifyCode(req)
	if err != nil {
		return false, fmt.Errorf("smsverify: check code: %w", err)
	}
	if resp == nil || resp.Body == nil || resp.Body.Model == nil {
		return false, fmt.Errorf("smsverify: empty response")
	}
	return resp.Body.Model.VerifyResult != nil && *resp.Body.Model.VerifyResult, nil
}

// AwaitVerification polls CheckCode until the verification code is
// confirmed delivered and matched, or timeout elapses. Matches spec
// section 4.7's "await SMS verification... up to 120s" step.
func AwaitVerification(ctx context.Context, c *Client, phoneNumber, verifyID string, codeFn func() (string, bool), timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if code, ok := codeFn(); ok {
			verified, err := c.CheckCode(ctx, phoneNumber, verifyID, code)
			if err != nil {
				return err
			}
			if verified {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("smsverify: timed out awaiting verification")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
