package main

import (
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	questlabws "github.com/questlab-research/questlab-go-utils/questlab-ws"
	"github.com/urfave/cli/v2"
)

var service = questlabcli.NewService("example-ws-authorizer")

func main() {
	app := questlabcli.App(
		service,
		action,
		append(
			questlabcli.CommonFlags,
			questlabws.TokenFlags...,
		)...,
	)
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

func action(_ *cli.Context) error {
	s := session.Must(session.NewSession(aws.NewConfig()))
	tokens, err := questlabws.LoadTokens(s)
	if err != nil {
		return err
	}

	authorizer := &questlabws.Authorizer{
		Tokens: tokens,
		Logger: questlabcli.Logger(service),
	}
	lambda.Start(authorizer.Authorize)
	return nil
}
