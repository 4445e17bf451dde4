package xui

// apiResponse is the envelope every 3x-ui panel endpoint answers with.
// A 200 status does not mean the operation worked; Success does.
type apiResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
}

type clientSettings struct {
	Clients []clientConfig `json:"clients"`
}

// clientConfig mirrors one entry of an inbound's client list.
// ExpiryTime is epoch milliseconds.
type clientConfig struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       string `json:"tgId"`
	LimitIP    int    `json:"limitIp"`
	Flow       string `json:"flow"`
	SubID      string `json:"subId"`
}

type trafficResponse struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
	Obj     *struct {
		Up    int64 `json:"up"`
		Down  int64 `json:"down"`
		Total int64 `json:"total"`
	} `json:"obj"`
}
