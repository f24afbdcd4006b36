package main

import (
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// call invokes a unary telescope procedure on the server at baseURL.
func call(cmd *cobra.Command, baseURL, procedure string, msg map[string]interface{}) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(msg)
	if err != nil {
		return nil, err
	}
	client := connect.NewClient[structpb.Struct, structpb.Struct](
		http.DefaultClient,
		strings.TrimSuffix(baseURL, "/")+procedure,
	)
	resp, err := client.CallUnary(cmd.Context(), connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// callAndPrint invokes procedure and writes the response as indented JSON.
func callAndPrint(cmd *cobra.Command, baseURL, procedure string, msg map[string]interface{}) error {
	resp, err := call(cmd, baseURL, procedure, msg)
	if err != nil {
		return err
	}
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
