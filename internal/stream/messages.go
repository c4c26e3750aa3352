package stream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// helloMessage is the single text frame the server sends right after
// upgrade (§6.2).
type helloMessage struct {
	Type   string `json:"type"`
	SNonce string `json:"snonce"`
	Conn   string `json:"conn"`
	W      int    `json:"w"`
	H      int    `json:"h"`
	FPS    int    `json:"fps"`
	Codec  string `json:"codec"`
	Exp    int64  `json:"exp"`
}

// startMessage is the single text frame the client must send within the
// start timeout (§4.6 AwaitStart). Type may also be "request" or "ready".
type startMessage struct {
	Type string `json:"type"`
	Conn string `json:"conn,omitempty"`
	Exp  int64  `json:"exp,omitempty"`
}

var validStartTypes = map[string]bool{
	"start":   true,
	"request": true,
	"ready":   true,
}

// verifyToken checks the query-string token against
// HMAC-SHA256("stream:"+exp, accessKey) using a constant-time compare
// (§4.6 PreAccept).
func verifyToken(token string, exp int64, accessKey []byte) bool {
	want := streamToken(exp, accessKey)
	got, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return false
	}
	wantRaw, err := base64.StdEncoding.DecodeString(want)
	if err != nil {
		return false
	}
	return hmac.Equal(got, wantRaw)
}

func streamToken(exp int64, accessKey []byte) string {
	mac := hmac.New(sha256.New, accessKey)
	mac.Write([]byte(fmt.Sprintf("stream:%d", exp)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
