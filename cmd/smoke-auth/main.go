// smoke-auth drives a running krepost-api through the token lifecycle:
// login, authorized call, refresh rotation, replay rejection, logout.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("KREPOST_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	identifier := os.Getenv("KREPOST_SMOKE_USER")
	password := os.Getenv("KREPOST_SMOKE_PASSWORD")
	if identifier == "" || password == "" {
		log.Fatal("set KREPOST_SMOKE_USER and KREPOST_SMOKE_PASSWORD")
	}

	client := &http.Client{Timeout: 10 * time.Second}

	var login struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		SessionID    string `json:"session_id"`
	}
	status := postJSON(client, base+"/v1/auth/login",
		map[string]string{"identifier": identifier, "password": password}, "", &login)
	if status != http.StatusOK {
		log.Fatalf("login: status %d", status)
	}
	if login.AccessToken == "" || login.RefreshToken == "" {
		log.Fatal("login: missing tokens")
	}

	// Authorized call with the fresh access token.
	req, _ := http.NewRequest(http.MethodGet, base+"/v1/users/me-unknown", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("authorized call: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		log.Fatalf("access token rejected: status %d", resp.StatusCode)
	}

	// Rotate the refresh token.
	var refreshed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	status = postJSON(client, base+"/v1/auth/refresh",
		map[string]string{"refresh_token": login.RefreshToken}, "", &refreshed)
	if status != http.StatusOK {
		log.Fatalf("refresh: status %d", status)
	}
	if refreshed.RefreshToken == login.RefreshToken {
		log.Fatal("refresh token was not rotated")
	}

	// Replaying the superseded token must kill the session.
	status = postJSON(client, base+"/v1/auth/refresh",
		map[string]string{"refresh_token": login.RefreshToken}, "", &struct{}{})
	if status != http.StatusUnauthorized {
		log.Fatalf("replayed refresh token accepted: status %d", status)
	}
	status = postJSON(client, base+"/v1/auth/refresh",
		map[string]string{"refresh_token": refreshed.RefreshToken}, "", &struct{}{})
	if status != http.StatusUnauthorized {
		log.Fatalf("session survived replay: status %d", status)
	}

	fmt.Println("✅ auth smoke test passed")
}

func postJSON(client *http.Client, url string, body any, bearer string, out any) int {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}
