package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/opsdesk/netcore"
	"github.com/spf13/cobra"
)

func init() {
	requestCmd.Flags().StringP("data", "d", "", "JSON request body")
	requestCmd.Flags().StringArrayP("query", "q", nil, "query parameter key=value (repeatable)")
	requestCmd.Flags().IntP("concurrency", "n", 1, "issue the same request n times concurrently")
	rootCmd.AddCommand(requestCmd)
}

var requestCmd = &cobra.Command{
	Use:   "request <method> <url>",
	Short: "Send an API request through the deduplicating client",
	Long: "Send a request with auth headers attached. With -n, identical concurrent\n" +
		"requests are collapsed into a single round trip.\n" +
		"Example: netcore request GET /api/profile -n 5",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.close()

		method, path := strings.ToUpper(args[0]), args[1]
		data, _ := cmd.Flags().GetString("data")
		pairs, _ := cmd.Flags().GetStringArray("query")
		n, _ := cmd.Flags().GetInt("concurrency")
		if n < 1 {
			n = 1
		}

		var body any
		if data != "" {
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data is not valid JSON")
			}
			body = json.RawMessage(data)
		}
		var query url.Values
		for _, p := range pairs {
			k, v, ok := strings.Cut(p, "=")
			if !ok {
				return fmt.Errorf("query %q must be key=value", p)
			}
			if query == nil {
				query = url.Values{}
			}
			query.Add(k, v)
		}

		ctx, cancel := signalContext()
		defer cancel()

		type outcome struct {
			resp *netcore.Response
			err  error
		}
		results := make([]outcome, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				resp, err := s.dedup.Execute(ctx, method, path, body, query)
				results[i] = outcome{resp: resp, err: err}
			}(i)
		}
		wg.Wait()

		first := results[0]
		if first.err != nil {
			return first.err
		}
		fmt.Println(string(first.resp.Body))
		if n > 1 {
			collapsed := 0
			for _, r := range results[1:] {
				if r.err == nil && r.resp == first.resp {
					collapsed++
				}
			}
			fmt.Printf("\n%d requests, %d served by a shared call\n", n, collapsed)
		}
		return nil
	},
}
