package testhelpers

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MockSTSServer is a configurable stand-in for the STS query API, answering
// GetWebIdentityToken requests.
type MockSTSServer struct {
	Server *httptest.Server

	mu         sync.Mutex
	token      string
	expiration time.Time
	statusCode int
	errorCode  string
	lastForm   url.Values

	requests atomic.Int32
}

// SetupMockSTSServer creates a mock STS endpoint that issues "test-web-identity-token"
// valid for an hour until configured otherwise.
func SetupMockSTSServer(t *testing.T) *MockSTSServer {
	t.Helper()

	mock := &MockSTSServer{
		token:      "test-web-identity-token",
		expiration: time.Now().Add(1 * time.Hour),
		statusCode: http.StatusOK,
	}

	mock.Server = httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(mock.Server.Close)

	return mock
}

// URL is the endpoint to configure on the STS client.
func (m *MockSTSServer) URL() string {
	return m.Server.URL
}

// Issue sets the token and expiry returned by subsequent requests.
func (m *MockSTSServer) Issue(token string, expiration time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.token = token
	m.expiration = expiration
	m.statusCode = http.StatusOK
	m.errorCode = ""
}

// Fail makes subsequent requests return an STS error document.
func (m *MockSTSServer) Fail(statusCode int, errorCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statusCode = statusCode
	m.errorCode = errorCode
}

// RequestCount is the number of requests received.
func (m *MockSTSServer) RequestCount() int {
	return int(m.requests.Load())
}

// LastForm returns the form parameters of the most recent request.
func (m *MockSTSServer) LastForm() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastForm
}

func (m *MockSTSServer) handle(w http.ResponseWriter, r *http.Request) {
	m.requests.Add(1)

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.lastForm = r.PostForm
	token, expiration := m.token, m.expiration
	statusCode, errorCode := m.statusCode, m.errorCode
	m.mu.Unlock()

	if action := r.PostForm.Get("Action"); action != "GetWebIdentityToken" {
		writeSTSError(w, http.StatusBadRequest, "InvalidAction", "unexpected action "+action)
		return
	}

	if statusCode != http.StatusOK {
		writeSTSError(w, statusCode, errorCode, "mock STS failure")
		return
	}

	type result struct {
		WebIdentityToken string `xml:"WebIdentityToken,omitempty"`
		Expiration       string `xml:"Expiration,omitempty"`
	}
	response := struct {
		XMLName   xml.Name `xml:"GetWebIdentityTokenResponse"`
		Result    result   `xml:"GetWebIdentityTokenResult"`
		RequestID string   `xml:"ResponseMetadata>RequestId"`
	}{
		Result: result{
			WebIdentityToken: token,
			Expiration:       expiration.UTC().Format(time.RFC3339),
		},
		RequestID: "mock-request-id",
	}

	writeXML(w, http.StatusOK, response)
}

func writeSTSError(w http.ResponseWriter, statusCode int, code, message string) {
	type stsError struct {
		Type    string `xml:"Type"`
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	}
	response := struct {
		XMLName   xml.Name `xml:"ErrorResponse"`
		Error     stsError `xml:"Error"`
		RequestID string   `xml:"RequestId"`
	}{
		Error:     stsError{Type: "Sender", Code: code, Message: message},
		RequestID: "mock-request-id",
	}

	writeXML(w, statusCode, response)
}

func writeXML(w http.ResponseWriter, statusCode int, payload any) {
	data, err := xml.Marshal(payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal XML: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}

// MockDownstreamServer records the requests made to a protected downstream
// API and answers them with a configurable status.
type MockDownstreamServer struct {
	Server *httptest.Server

	mu         sync.Mutex
	statusCode int
	headers    []http.Header

	requests atomic.Int32
}

func SetupMockDownstreamServer(t *testing.T) *MockDownstreamServer {
	t.Helper()

	mock := &MockDownstreamServer{statusCode: http.StatusOK}

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.requests.Add(1)

		mock.mu.Lock()
		mock.headers = append(mock.headers, r.Header.Clone())
		statusCode := mock.statusCode
		mock.mu.Unlock()

		w.WriteHeader(statusCode)
	}))
	t.Cleanup(mock.Server.Close)

	return mock
}

func (m *MockDownstreamServer) URL() string {
	return m.Server.URL
}

// RespondWith sets the status code of subsequent responses.
func (m *MockDownstreamServer) RespondWith(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statusCode = statusCode
}

func (m *MockDownstreamServer) RequestCount() int {
	return int(m.requests.Load())
}

// LastHeader returns the named header from the most recent request.
func (m *MockDownstreamServer) LastHeader(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.headers) == 0 {
		return ""
	}

	return m.headers[len(m.headers)-1].Get(name)
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
