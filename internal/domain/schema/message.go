// Package schema defines the request/response envelopes and payloads exchanged over the messaging channel.
package schema

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/mt5desk/errs"
)

// Topic names a request type. Responses carry it back as msg_type.
type Topic string

const (
	TopicLoginList               Topic = "mt5_login_list"
	TopicTradingServers          Topic = "trading_servers"
	TopicLandingCompany          Topic = "landing_company"
	TopicAccountStatus           Topic = "get_account_status"
	TopicLimits                  Topic = "get_limits"
	TopicWebsiteStatus           Topic = "website_status"
	TopicStatement               Topic = "statement"
	TopicAuthorize               Topic = "authorize"
	TopicNewAccount              Topic = "mt5_new_account"
	TopicDeposit                 Topic = "mt5_deposit"
	TopicWithdrawal              Topic = "mt5_withdrawal"
	TopicPasswordChange          Topic = "trading_platform_password_change"
	TopicInvestorPasswordChange  Topic = "trading_platform_investor_password_change"
	TopicInvestorPasswordReset   Topic = "trading_platform_investor_password_reset"
	TopicVerifyEmail             Topic = "verify_email"
	TopicTradingPlatformAccounts Topic = "trading_platform_accounts"
	TopicPing                    Topic = "ping"
)

// Request is a flat request object: the topic key set to 1 plus arbitrary fields.
type Request struct {
	Topic  Topic
	ReqID  uint64
	fields map[string]any
}

// NewRequest constructs a request for the topic.
func NewRequest(topic Topic) Request {
	return Request{Topic: topic}
}

// With returns a copy of the request carrying the additional field.
func (r Request) With(key string, value any) Request {
	fields := make(map[string]any, len(r.fields)+1)
	for k, v := range r.fields {
		fields[k] = v
	}
	fields[key] = value
	r.fields = fields
	return r
}

// Field returns a request field.
func (r Request) Field(key string) (any, bool) {
	v, ok := r.fields[key]
	return v, ok
}

// FieldString returns a request field rendered as a string.
func (r Request) FieldString(key string) string {
	v, ok := r.fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Fields returns the field names in sorted order.
func (r Request) Fields() []string {
	keys := make([]string, 0, len(r.fields))
	for k := range r.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks the request can be sent.
func (r Request) Validate() error {
	if strings.TrimSpace(string(r.Topic)) == "" {
		return errs.New("schema/request", errs.CodeInvalid, errs.WithMessage("request topic required"))
	}
	return nil
}

// MarshalJSON renders the flat wire form.
func (r Request) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.fields)+2)
	for k, v := range r.fields {
		out[k] = v
	}
	if _, ok := out[string(r.Topic)]; !ok {
		out[string(r.Topic)] = 1
	}
	if r.ReqID != 0 {
		out["req_id"] = r.ReqID
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the flat wire form. The topic is the first known topic key in sorted order;
// when its value is not 1 (verify_email carries the address) the value is kept as a field.
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	req := Request{}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := raw[k]
		if k == "req_id" {
			if err := json.Unmarshal(v, &req.ReqID); err != nil {
				return fmt.Errorf("decode req_id: %w", err)
			}
			continue
		}
		if req.Topic == "" && isTopic(k) {
			req.Topic = Topic(k)
			if strings.TrimSpace(string(v)) == "1" {
				continue
			}
		}
		var value any
		if err := json.Unmarshal(v, &value); err != nil {
			return fmt.Errorf("decode field %s: %w", k, err)
		}
		req = req.With(k, value)
	}
	*r = req
	return nil
}

var knownTopics = map[Topic]struct{}{
	TopicLoginList: {}, TopicTradingServers: {}, TopicLandingCompany: {}, TopicAccountStatus: {},
	TopicLimits: {}, TopicWebsiteStatus: {}, TopicStatement: {}, TopicAuthorize: {},
	TopicNewAccount: {}, TopicDeposit: {}, TopicWithdrawal: {}, TopicPasswordChange: {},
	TopicInvestorPasswordChange: {}, TopicInvestorPasswordReset: {}, TopicVerifyEmail: {},
	TopicTradingPlatformAccounts: {}, TopicPing: {},
}

func isTopic(key string) bool {
	_, ok := knownTopics[Topic(key)]
	return ok
}

// APIError is the error object carried by a failed response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// DetailStrings flattens the details for error envelopes.
func (e *APIError) DetailStrings() map[string]string {
	if e == nil || len(e.Details) == 0 {
		return nil
	}
	out := make(map[string]string, len(e.Details))
	for k, v := range e.Details {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// Response is a decoded response envelope. The payload stays raw until Decode is called.
type Response struct {
	MsgType Topic     `json:"msg_type"`
	ReqID   uint64    `json:"req_id,omitempty"`
	Error   *APIError `json:"error,omitempty"`

	raw json.RawMessage
}

// DecodeResponse parses a wire response.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, errs.New("schema/response", errs.CodeMalformed,
			errs.WithCategory(errs.CategoryTransport), errs.WithCause(err), errs.WithMessage("malformed response"))
	}
	if resp.MsgType == "" && resp.Error == nil {
		return Response{}, errs.New("schema/response", errs.CodeMalformed,
			errs.WithCategory(errs.CategoryTransport), errs.WithMessage("response missing msg_type"))
	}
	resp.raw = append(json.RawMessage(nil), data...)
	return resp, nil
}

// NewResponse builds a successful response carrying payload under the topic key.
func NewResponse(topic Topic, reqID uint64, payload any) (Response, error) {
	body := map[string]any{
		"msg_type":    topic,
		string(topic): payload,
	}
	if reqID != 0 {
		body["req_id"] = reqID
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("encode %s response: %w", topic, err)
	}
	return Response{MsgType: topic, ReqID: reqID, raw: raw}, nil
}

// ErrorResponse builds a failed response.
func ErrorResponse(topic Topic, reqID uint64, code, message string, details map[string]any) Response {
	apiErr := &APIError{Code: code, Message: message, Details: details}
	raw, _ := json.Marshal(map[string]any{"msg_type": topic, "error": apiErr})
	return Response{MsgType: topic, ReqID: reqID, Error: apiErr, raw: raw}
}

// Raw returns the full wire form.
func (r Response) Raw() []byte { return r.raw }

// WithReqID returns a copy of the response re-tagged with a request id.
func (r Response) WithReqID(id uint64) Response {
	r.ReqID = id
	return r
}

// Err converts an error response into an engine error envelope, or nil on success.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return errs.New("remote/"+string(r.MsgType), errs.CodeRemote,
		errs.WithRawCode(r.Error.Code),
		errs.WithMessage(r.Error.Message),
		errs.WithDetails(r.Error.DetailStrings()),
		errs.WithCategory(Classify(r.Error.Code)))
}

// Decode unmarshals the payload stored under msg_type into into.
func (r Response) Decode(into any) error {
	if r.Error != nil {
		return r.Err()
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(r.raw, &envelope); err != nil {
		return errs.New("schema/decode", errs.CodeMalformed, errs.WithCategory(errs.CategoryTransport), errs.WithCause(err))
	}
	payload, ok := envelope[string(r.MsgType)]
	if !ok {
		return errs.New("schema/decode", errs.CodeMalformed, errs.WithCategory(errs.CategoryTransport),
			errs.WithMessage(fmt.Sprintf("response missing %s payload", r.MsgType)))
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return errs.New("schema/decode", errs.CodeMalformed, errs.WithCategory(errs.CategoryTransport),
			errs.WithCause(err), errs.WithMessage(fmt.Sprintf("malformed %s payload", r.MsgType)))
	}
	return nil
}

// Remote error codes the engine reacts to.
const (
	CodeAccountInaccessible = "MT5AccountInaccessible"
	CodeDepositError        = "MT5DepositError"
	CodeWithdrawalError     = "MT5WithdrawalError"
	CodePasswordReset       = "PasswordReset"
	CodePasswordError       = "PasswordError"
	CodeInvalidToken        = "InvalidToken"
)

// Classify maps a remote error code to its handling category.
func Classify(code string) errs.Category {
	switch code {
	case CodeDepositError, CodeWithdrawalError:
		return errs.CategoryFinancial
	case CodePasswordReset, CodePasswordError, CodeInvalidToken:
		return errs.CategoryCredential
	case CodeAccountInaccessible:
		return errs.CategoryProvisioning
	default:
		if strings.HasSuffix(code, "Inaccessible") {
			return errs.CategoryProvisioning
		}
		return errs.CategoryRejected
	}
}
