package swagger

//go:generate swag init --generalInfo swagger.go --output docs --dir .,../internal/httpapi,../api --parseInternal --parseDependency --generatedTime=false
//go:generate go run ./internal/swaggerhtml --out docs/swagger.html

// @title           tunneld API
// @version         0.0
// @description     tunneld is an HTTP tunnel queue: independent FIFO tunnels with pending/acknowledge delivery, long polling, one-shot replies and backpressure.
// @contact.name    Michel Blomgren
// @contact.email   sa6mwa@gmail.com
// @contact.url     https://pkt.systems
// @license.name    MIT
// @license.url     https://opensource.org/license/mit/
// @BasePath        /
// @schemes         http https
// @tag.name        tunnel
// @tag.description Produce, consume, poll, status, acknowledge, length and clear.
// @tag.name        reply
// @tag.description One-shot reply mailbox bound to a pending message.
// @tag.name        system
// @tag.description Service health, readiness and API description.
// @securityDefinitions.apikey  Bearer
// @in                          header
// @name                        Authorization
// @description                 "Bearer <token>" when an access token is configured.
// @securityDefinitions.apikey  Signature
// @in                          header
// @name                        X-Hub-Signature-256
// @description                 "sha256=<hex HMAC-SHA256 of the raw body>" when a signature secret is configured.

// Package swagger provides go:generate hooks for producing OpenAPI assets.
type Package struct{}
