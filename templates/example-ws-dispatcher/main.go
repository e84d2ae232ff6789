package main

import (
	"log"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	questlabddb "github.com/questlab-research/questlab-go-utils/questlab-ddb"
	questlabws "github.com/questlab-research/questlab-go-utils/questlab-ws"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/connectiondao"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/delivery"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/publish"
	"github.com/urfave/cli/v2"
)

var service = questlabcli.NewService("example-ws-dispatcher")

func main() {
	flags := append(questlabcli.CommonFlags, questlabws.PushStreamFlag)
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

	metrics := questlabcli.NewMetrics(service, cloudwatch.New(s))
	d := delivery.New(connectiondao.Build(api, questlabcli.CommonOpts.Env), delivery.NewManagementTransport(s), logger)
	d.DefaultEndpoint = questlabws.GatewayOpts.PushEndpoint
	d.Concurrency = questlabws.GatewayOpts.Concurrency
	d.Metrics = metrics

	stream := questlabws.GatewayOpts.PushStream
	if stream == "" {
		stream = publish.StreamName(questlabcli.CommonOpts.Env)
	}

	dispatcher := &questlabws.Dispatcher{
		Delivery: d,
		Logger:   logger,
		Metrics:  metrics,
		Dry:      questlabcli.CommonOpts.Dry,
	}
	return dispatcher.Start(stream)
}
