package bridge_test

import (
	"net/http"

	"github.com/gorilla/websocket"
)

func websocketDial(url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(url, header)
}
