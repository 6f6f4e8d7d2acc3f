package extapi_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tonglil/buflogr"

	"github.com/openobserve/openobserve-lambda-extension/extapi"
)

var (
	testExtensionID = "test-identifier"

	respRegister = []byte(`
		{
			"functionName": "helloWorld",
			"functionVersion": "$LATEST",
			"handler": "lambda_function.lambda_handler",
			"accountId": "123456789012"
		}
	`)

	respInvoke = []byte(`
		{
			"eventType": "INVOKE",
			"deadlineMs": 9223372036854775807,
			"requestId": "3da1f2dc-3222-475e-9205-e2e6c6318895",
			"invokedFunctionArn": "arn:aws:lambda:us-east-1:123456789012:function:ExtensionTest"
		}
	`)
	respShutdown = []byte(`
		{
			"eventType": "SHUTDOWN",
			"shutdownReason": "spindown",
			"deadlineMs": 9223372036854775807
		}
	`)
)

// register spins up a fake runtime API and registers a client against it.
func register(t *testing.T) (*extapi.Client, *httptest.Server, *http.ServeMux) {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	mux.HandleFunc("/2020-01-01/extension/register", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		w.Header().Set("Lambda-Extension-Identifier", testExtensionID)
		_, err := w.Write(respRegister)
		require.NoError(t, err)
	})

	client, err := extapi.Register(
		context.Background(),
		extapi.WithAWSLambdaRuntimeAPI(server.Listener.Addr().String()),
		extapi.WithExtensionName("test-extension"),
	)
	require.NoError(t, err)

	return client, server, mux
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (fn roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return fn(req)
}

func TestOptions(t *testing.T) {
	extensionName := "test-name"

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()
	mux.HandleFunc("/2020-01-01/extension/register", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		// default extension name should be ignored as WithExtensionName option was set
		require.Equal(t, extensionName, r.Header.Get("Lambda-Extension-Name"))

		require.Equal(t, "TestOptions", r.Header.Get("TestOptions"), "WithHTTPClient should be used")

		req, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		// WithEventTypes option should be used
		require.JSONEq(t, `{"events":["INVOKE"]}`, string(req))

		w.Header().Set("Lambda-Extension-Identifier", testExtensionID)
		if _, err := w.Write(respRegister); err != nil {
			t.Fatal(err)
		}
	})

	var buf bytes.Buffer
	log := buflogr.NewWithBuffer(&buf)

	// AWS_LAMBDA_RUNTIME_API env variable should be ignored as WithAWSLambdaRuntimeAPI option was set
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "hostnotfound:80")

	client := &http.Client{
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			req.Header.Set("TestOptions", "TestOptions")

			return http.DefaultClient.Do(req)
		}),
	}

	_, err := extapi.Register(
		context.Background(),
		extapi.WithEventTypes([]extapi.EventType{extapi.Invoke}),
		extapi.WithLogger(log),
		extapi.WithAWSLambdaRuntimeAPI(server.Listener.Addr().String()),
		extapi.WithHTTPClient(client),
		extapi.WithExtensionName(extensionName),
	)
	require.NoError(t, err)
	require.NotEmpty(t, buf, "provided logger should be used")
}

func TestRegister(t *testing.T) {
	client, _, _ := register(t)

	require.Equal(t, testExtensionID, client.ExtensionID())
	require.Equal(t, "helloWorld", client.FunctionName())
	require.Equal(t, "$LATEST", client.FunctionVersion())
	require.Equal(t, "123456789012", client.AccountID())
}

func TestRegisterMissingRuntimeAPI(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "")

	_, err := extapi.Register(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "AWS_LAMBDA_RUNTIME_API")
}

func TestRegisterError(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()
	mux.HandleFunc("/2020-01-01/extension/register", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errorType":"Extension.Forbidden","errorMessage":"forbidden"}`))
	})

	_, err := extapi.Register(
		context.Background(),
		extapi.WithAWSLambdaRuntimeAPI(server.Listener.Addr().String()),
	)
	require.Error(t, err)

	apiErr := extapi.APIError{}
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.HTTPStatusCode)
	require.Equal(t, "Extension.Forbidden", apiErr.Type)
}

func TestRegisterMissingIdentifier(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()
	mux.HandleFunc("/2020-01-01/extension/register", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		_, _ = w.Write(respRegister)
	})

	_, err := extapi.Register(
		context.Background(),
		extapi.WithAWSLambdaRuntimeAPI(server.Listener.Addr().String()),
	)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Lambda-Extension-Identifier")
}

func TestNextEvent(t *testing.T) {
	client, _, mux := register(t)

	responses := [][]byte{respInvoke, respShutdown}
	i := 0
	mux.HandleFunc("/2020-01-01/extension/event/next", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, testExtensionID, r.Header.Get("Lambda-Extension-Identifier"))

		_, err := w.Write(responses[i])
		require.NoError(t, err)
		i++
	})

	event, err := client.NextEvent(context.Background())
	require.NoError(t, err)
	require.Equal(t, extapi.Invoke, event.EventType)
	require.Equal(t, "3da1f2dc-3222-475e-9205-e2e6c6318895", event.RequestID)

	event, err = client.NextEvent(context.Background())
	require.NoError(t, err)
	require.Equal(t, extapi.Shutdown, event.EventType)
	require.Equal(t, extapi.Spindown, event.ShutdownReason)
}

func TestInitError(t *testing.T) {
	client, _, mux := register(t)

	mux.HandleFunc("/2020-01-01/extension/init/error", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		require.Equal(t, "Extension.TestReason", r.Header.Get("Lambda-Extension-Function-Error-Type"))

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	})

	resp, err := client.InitError(context.Background(), "Extension.TestReason", io.ErrUnexpectedEOF)
	require.NoError(t, err)
	require.Equal(t, "OK", resp.Status)
}
