package config

import cbus "github.com/next-trace/scg-eventbus/contract/bus"

// FindOneUser builds the legacy credential lookup understood by Vert.x bridge auth services:
//
//	{"action":"findone","collection":"users","matcher":{"username":u,"password":p}}
var FindOneUser cbus.LoginBodyBuilder = cbus.LoginBodyBuilderFunc(func(username, password string) any {
	return findOne{
		Action:     "findone",
		Collection: "users",
		Matcher:    credentials{Username: username, Password: password},
	}
})

type findOne struct {
	Action     string      `json:"action"`
	Collection string      `json:"collection"`
	Matcher    credentials `json:"matcher"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SendTo returns an interceptor sending builder's body to address and passing the reply on unchanged.
func SendTo(address string, builder cbus.LoginBodyBuilder) cbus.LoginInterceptor {
	if builder == nil {
		builder = FindOneUser
	}

	return func(send cbus.SendFunc, username, password string, next cbus.ReplyFunc) {
		send(address, builder.Build(username, password), next)
	}
}
