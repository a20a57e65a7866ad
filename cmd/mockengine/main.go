package main

import (
	"flag"
	"log"
	"net/http"

	"apiparity/internal/mockengine"
)

func main() {
	addr := flag.String("addr", ":8081", "Listen address")
	flag.Parse()

	srv := mockengine.New()
	log.Printf("mockengine listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, srv.Handler()))
}
