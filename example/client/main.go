package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/mnehpets/rolerpc/client"
	"github.com/mnehpets/rolerpc/wire"
)

func main() {
	url := flag.String("url", "http://localhost:8080/rpc", "rpc endpoint")
	token := flag.String("token", "", "access token")
	cbor := flag.Bool("cbor", false, "use the binary codec")
	flag.Parse()

	t := &client.HTTPTransport{URL: *url}
	if *cbor {
		t.Codec = wire.CBOR
	}
	c := client.New(t, client.WithAccessToken(*token))
	ctx := context.Background()

	res, err := c.Call(ctx, "system.ping")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res[0])

	res, err = c.Call(ctx, "system.whoami")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%v\n", res[0])
}
