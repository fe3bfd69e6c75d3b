package usher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/xerrors"

	"github.com/2bc4/twitchls/ctxlogger"
)

const (
	gqlEndpoint     = "https://gql.twitch.tv/gql"
	oauthEndpoint   = "https://id.twitch.tv/oauth2/validate"
	defaultClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"

	// persisted GQL query hash for PlaybackAccessToken
	tokenQueryHash = "0828119ded1c13477966434e15800ff57ddacf13ba1911c129dc2200705b0712"
)

type accessToken struct {
	value         string
	signature     string
	playSessionID string
}

// playbackAccessToken asks the Twitch GQL endpoint for a playback token.
// An OAuth token, when set, makes the playlist request count as that user,
// subscribers then get ad-free streams.
func playbackAccessToken(ctx context.Context, hc *http.Client, channel string, opts Options) (*accessToken, error) {
	log := ctxlogger.ExtractLogger(ctx)

	clientID, err := chooseClientID(ctx, hc, opts)
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"operationName": "PlaybackAccessToken",
		"extensions": map[string]interface{}{
			"persistedQuery": map[string]interface{}{
				"sha256Hash": tokenQueryHash,
				"version":    1,
			},
		},
		"variables": map[string]interface{}{
			"isLive":     true,
			"isVod":      false,
			"login":      channel,
			"playerType": "site",
			"vodID":      "",
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", gqlEndpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	req.Header.Set("Client-Id", clientID)
	req.Header.Set("X-Device-Id", randID(32))
	req.Header.Set("User-Agent", userAgent)
	if opts.AuthToken != "" {
		req.Header.Set("Authorization", "OAuth "+opts.AuthToken)
	}

	resp, err := doWithTimeout(hc, req, timeout(opts))
	if err != nil {
		return nil, xerrors.Errorf("%w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 399 {
		return nil, xerrors.Errorf("GQL endpoint returned %d", resp.StatusCode)
	}

	var gql struct {
		Data struct {
			StreamPlaybackAccessToken *struct {
				Value     string `json:"value"`
				Signature string `json:"signature"`
			} `json:"streamPlaybackAccessToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&gql); err != nil {
		return nil, xerrors.Errorf("failed to parse GQL response: %w", err)
	}
	tok := gql.Data.StreamPlaybackAccessToken
	if tok == nil || tok.Value == "" {
		return nil, ErrOffline
	}

	log.Debugf("got playback access token for %s", channel)
	return &accessToken{
		value:         tok.Value,
		signature:     tok.Signature,
		playSessionID: randID(32),
	}, nil
}

// chooseClientID prefers an explicit client id, then the id belonging to
// the OAuth token, then the well known web player id.
func chooseClientID(ctx context.Context, hc *http.Client, opts Options) (string, error) {
	if opts.ClientID != "" {
		return opts.ClientID, nil
	}
	if opts.AuthToken == "" {
		return defaultClientID, nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", oauthEndpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "OAuth "+opts.AuthToken)
	req.Header.Set("User-Agent", userAgent)

	resp, err := doWithTimeout(hc, req, timeout(opts))
	if err != nil {
		return "", xerrors.Errorf("%w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 399 {
		return "", xerrors.Errorf("failed to validate auth token: status %d", resp.StatusCode)
	}

	var validate struct {
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&validate); err != nil {
		return "", xerrors.Errorf("failed to parse auth token validation: %w", err)
	}
	if validate.ClientID == "" {
		return "", xerrors.New("auth token validation returned no client id")
	}
	return validate.ClientID, nil
}

func doWithTimeout(hc *http.Client, req *http.Request, d time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), d)
	resp, err := hc.Do(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randID(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return string(b)
}

func randDigits(n int) int {
	max := 1
	for i := 0; i < n; i++ {
		max *= 10
	}
	return rand.Intn(max)
}
