package main

import (
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	questlabauth "github.com/questlab-research/questlab-go-utils/questlab-auth"
	questlabcli "github.com/questlab-research/questlab-go-utils/questlab-cli"
	questlabws "github.com/questlab-research/questlab-go-utils/questlab-ws"
	"github.com/urfave/cli/v2"
)

var opts struct {
	UserID      string
	Email       string
	DisplayName string
}

var service = questlabcli.Service{
	Name:    "example-token",
	Version: questlabcli.CommitHash(),
}

func main() {
	flags := append(
		questlabcli.CommonFlags,
		&cli.StringFlag{
			Name:        "user-id",
			Usage:       "user to issue the token for",
			Required:    true,
			EnvVars:     []string{"USER_ID"},
			Destination: &opts.UserID,
		},
		questlabcli.StringFlag("email", "email claim", &opts.Email),
		questlabcli.StringFlag("name", "display name claim", &opts.DisplayName),
	)
	flags = append(flags, questlabws.TokenFlags...)

	app := questlabcli.App(service, action, flags...)
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

	token, err := tokens.Issue(questlabauth.Identity{
		ID:          opts.UserID,
		Email:       opts.Email,
		DisplayName: opts.DisplayName,
	})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
