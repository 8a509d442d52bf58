package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

// The demo client logs in, joins the room, posts one message and prints everything the
// server pushes until interrupted.

var (
	serverAddr = flag.String("server", "127.0.0.1:8000", "presencehub server address, ip:port")
	username   = flag.String("username", "alice", "username to log in as")
	password   = flag.String("password", "demo", "password, not checked by the demo server")
	text       = flag.String("text", "hello", "message posted to the room after joining")
	to         = flag.String("to", "", "if set, also send a private message to this user")
)

func main() {
	flag.Parse()

	token, err := login()
	if err != nil {
		panic(err)
	}

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws", RawQuery: url.Values{"token": {token}}.Encode()}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		panic(err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				fmt.Printf("read: %v\n", err)
				return
			}
			fmt.Printf("recv: %s\n", msg)
		}
	}()

	send(conn, map[string]interface{}{"chat_message": map[string]string{"text": *text}})
	if *to != "" {
		send(conn, map[string]interface{}{"private_message": map[string]string{"to": *to, "text": *text}})
		send(conn, map[string]interface{}{"get_private_history": map[string]string{"with_user": *to}})
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-done:
	case <-interrupt:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func login() (string, error) {
	body, _ := json.Marshal(map[string]string{"username": *username, "password": *password})
	resp, err := http.Post("http://"+*serverAddr+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: unexpected status %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func send(conn *websocket.Conn, v interface{}) {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
		panic(err)
	}
	fmt.Printf("sent: %s\n", out)
}
