package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"quiz-access-service/internal/access"
)

// EligibilityClient fetches eligibility from a running server. It implements
// poller.Fetcher for client-side watching.
type EligibilityClient struct {
	endpoint string
	token    string
	password string
	http     *http.Client
}

func NewEligibilityClient(baseURL, quizID, token, password string) *EligibilityClient {
	return &EligibilityClient{
		endpoint: baseURL + "/api/quizzes/" + url.PathEscape(quizID) + "/eligibility",
		token:    token,
		password: password,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *EligibilityClient) Fetch(ctx context.Context) (access.Eligibility, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return access.Eligibility{}, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.password != "" {
		req.Header.Set(PasswordHeader, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return access.Eligibility{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			return access.Eligibility{}, fmt.Errorf("eligibility: %s: %s", resp.Status, body.Error)
		}
		return access.Eligibility{}, fmt.Errorf("eligibility: %s", resp.Status)
	}
	var elig access.Eligibility
	if err := json.NewDecoder(resp.Body).Decode(&elig); err != nil {
		return access.Eligibility{}, fmt.Errorf("decode eligibility: %w", err)
	}
	return elig, nil
}
