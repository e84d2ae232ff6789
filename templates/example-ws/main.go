package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	questlabddb "github.com/questlab-research/questlab-go-utils/questlab-ddb"
	questlabws "github.com/questlab-research/questlab-go-utils/questlab-ws"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/connectiondao"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/delivery"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/identitydao"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/local"
	"github.com/urfave/cli/v2"
)

var service = questlabcli.NewService("example-ws")

func main() {
	flags := append(questlabcli.CommonFlags, questlabcli.PortFlag(5002), questlabws.ConnTTLFlag)
	flags = append(flags, questlabws.TokenFlags...)
	flags = append(flags, questlabws.DeliveryFlags...)
	flags = append(flags, questlabddb.DDBFlags...)

	app := questlabcli.App(service, action, flags...)
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

func action(_ *cli.Context) error {
	logger := questlabcli.Logger(service)
	s := session.Must(session.NewSession(aws.NewConfig()))

	api, err := questlabddb.DynamoDBAPI(s)
	if err != nil {
		return err
	}
	tokens, err := questlabws.LoadTokens(s)
	if err != nil {
		return err
	}

	connections := connectiondao.Build(api, questlabcli.CommonOpts.Env)
	handler := &questlabws.Handler{
		Connections: connections,
		Identities:  identitydao.Build(api, questlabcli.CommonOpts.Env),
		Tokens:      tokens,
		Logger:      logger,
		ConnTTL:     questlabws.GatewayOpts.ConnTTL,
	}

	if questlabcli.CommonOpts.Console {
		server := local.New(logger)
		server.Handler = handler.HandleEvent
		handler.Delivery = newDelivery(connections, server)

		addr := fmt.Sprintf(":%v", questlabcli.CommonOpts.Port)
		logger.Info().Str("addr", addr).Msg("starting websocket server")
		return http.ListenAndServe(addr, server)
	}

	metrics := questlabcli.NewMetrics(service, cloudwatch.New(s))
	handler.Metrics = metrics
	handler.Delivery = newDelivery(connections, delivery.NewManagementTransport(s))
	handler.Delivery.Metrics = metrics

	lambda.Start(handler.HandleEvent)
	return nil
}

func newDelivery(registry delivery.Registry, transport delivery.Transport) *delivery.Service {
	d := delivery.New(registry, transport, questlabcli.Logger(service))
	d.DefaultEndpoint = questlabws.GatewayOpts.PushEndpoint
	d.Concurrency = questlabws.GatewayOpts.Concurrency
	return d
}
