// Package extapi implements an HTTP client for the Lambda Extensions API and
// the Telemetry API subscription call.
//
// An external extension registers with extapi.Register during init, subscribes
// its telemetry listener with Client.TelemetrySubscribe, and then long polls
// Client.NextEvent for INVOKE and SHUTDOWN events.
//
// https://docs.aws.amazon.com/lambda/latest/dg/runtimes-extensions-api.html
package extapi
