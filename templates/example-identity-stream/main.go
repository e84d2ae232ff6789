package main

import (
	"log"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	questlabddb "github.com/questlab-research/questlab-go-utils/questlab-ddb"
	questlabws "github.com/questlab-research/questlab-go-utils/questlab-ws"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/connectiondao"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/delivery"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/identitydao"
	"github.com/questlab-research/questlab-go-utils/questlab-ws/profilesync"
	"github.com/urfave/cli/v2"
)

var service = questlabcli.NewService("example-identity-stream")

func main() {
	flags := append(questlabcli.CommonFlags, questlabddb.StreamTableFlag)
	flags = append(flags, questlabws.DeliveryFlags...)
	flags = append(flags, questlabddb.DDBFlags...)

	app := questlabcli.App(service, action, flags...)
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

func action(_ *cli.Context) error {
	s := session.Must(session.NewSession(aws.NewConfig()))

	api, err := questlabddb.DynamoDBAPI(s)
	if err != nil {
		return err
	}

	logger := questlabcli.Logger(service)
	d := delivery.New(connectiondao.Build(api, questlabcli.CommonOpts.Env), delivery.NewManagementTransport(s), logger)
	d.DefaultEndpoint = questlabws.GatewayOpts.PushEndpoint
	d.Concurrency = questlabws.GatewayOpts.Concurrency

	notifier := &profilesync.Notifier{Delivery: d, Logger: logger}
	handler := questlabddb.NewStreamHandler(service, questlabddb.ItemCallbacks{OnUpdate: notifier.OnUpdate})

	tableName := questlabddb.StreamOpts.TableName
	if tableName == "" {
		tableName = identitydao.TableName(questlabcli.CommonOpts.Env)
	}
	return handler.Start(tableName)
}
