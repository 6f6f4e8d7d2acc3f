package extapi

import (
	"os"
)

// Lambda runtimes set several environment variables during initialization.
// The keys for these environment variables are reserved and cannot be set in your function configuration.
// https://docs.aws.amazon.com/lambda/latest/dg/configuration-envvars.html#configuration-envvars-runtime

// EnvAWSLambdaRuntimeAPI returns the host and port of the runtime API for custom runtime.
func EnvAWSLambdaRuntimeAPI() string {
	return os.Getenv("AWS_LAMBDA_RUNTIME_API")
}

// EnvAWSRegion returns the AWS Region where the Lambda function is executed.
func EnvAWSRegion() string {
	return os.Getenv("AWS_REGION")
}

// EnvAWSLambdaFunctionName returns the name of the function.
func EnvAWSLambdaFunctionName() string {
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
}
