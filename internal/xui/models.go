package xui

import "encoding/json"

// apiEnvelope is the wrapper most 3x-ui endpoints respond with:
// {"success":true,"msg":"","obj":{...}}. Some forks use "data" or
// "inbound" instead of "obj".
type apiEnvelope struct {
	Success *bool           `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
	Data    json.RawMessage `json:"data"`
	Inbound json.RawMessage `json:"inbound"`
}

func (e *apiEnvelope) payload() json.RawMessage {
	if len(e.Obj) > 0 && string(e.Obj) != "null" {
		return e.Obj
	}
	if len(e.Data) > 0 && string(e.Data) != "null" {
		return e.Data
	}
	if len(e.Inbound) > 0 && string(e.Inbound) != "null" {
		return e.Inbound
	}
	return nil
}

// clientPayload mirrors what the 3x-ui web panel itself sends on
// addClient; forks validate individual fields, so all of them are set.
type clientPayload struct {
	ID         string `json:"id"`
	Security   string `json:"security"`
	Password   string `json:"password"`
	Flow       string `json:"flow"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       int64  `json:"tgId"`
	SubID      string `json:"subId"`
	Comment    string `json:"comment"`
	Reset      int    `json:"reset"`
}

type clientSettings struct {
	Clients []clientPayload `json:"clients"`
}

type updateClientRequest struct {
	InboundID int64        `json:"inboundId"`
	Client    updateClient `json:"client"`
}

type updateClient struct {
	ID     string `json:"id"`
	Enable bool   `json:"enable"`
}

type clientTraffic struct {
	Up    int64 `json:"up"`
	Down  int64 `json:"down"`
	Total int64 `json:"total"`
}
