package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

type apiClient struct {
	url   *string
	token *string
}

func (c *apiClient) do(method, path string, body any) (map[string]any, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequest(method, *c.url+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if *c.token != "" {
		req.Header.Set("Authorization", "Bearer "+*c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("unexpected response: %s", raw)
		}
	}
	if resp.StatusCode >= 400 {
		code, _ := decoded["code"].(string)
		message, _ := decoded["error"].(string)
		return decoded, fmt.Errorf("%s: %s (%s)", resp.Status, message, code)
	}
	return decoded, nil
}

func printJSON(cmd *cobra.Command, payload any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func newListCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list <repo>",
		Short: "List a repo's bookmarks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.do(http.MethodGet, "/api/repos/"+url.PathEscape(args[0])+"/bookmarks", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
}

func newMoveCmd(client *apiClient) *cobra.Command {
	var reason string
	var pushvars []string

	cmd := &cobra.Command{
		Use:   "move <repo> <bookmark> <target-changeset>",
		Short: "Create or move a bookmark",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"target": args[2],
				"reason": reason,
			}
			if len(pushvars) > 0 {
				vars := make(map[string]string, len(pushvars))
				for _, pv := range pushvars {
					name, value, err := splitPushvar(pv)
					if err != nil {
						return err
					}
					vars[name] = value
				}
				body["pushvars"] = vars
			}
			resp, err := client.do(http.MethodPut,
				"/api/repos/"+url.PathEscape(args[0])+"/bookmarks/"+args[1], body)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manualmove", "update reason recorded in the log")
	cmd.Flags().StringArrayVar(&pushvars, "pushvar", nil, "pushvar as NAME=value, repeatable")
	return cmd
}

func newDeleteCmd(client *apiClient) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "delete <repo> <bookmark>",
		Short: "Delete a bookmark",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"reason": reason}
			resp, err := client.do(http.MethodDelete,
				"/api/repos/"+url.PathEscape(args[0])+"/bookmarks/"+args[1], body)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "apirequest", "update reason recorded in the log")
	return cmd
}

func newLogCmd(client *apiClient) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "log <repo>",
		Short: "Show recent bookmark movements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.do(http.MethodGet,
				"/api/repos/"+url.PathEscape(args[0])+"/update-log?limit="+strconv.Itoa(limit), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}

func newLockCmd(client *apiClient) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "lock <repo>",
		Short: "Refuse bookmark movements until unlocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.do(http.MethodPost,
				"/api/repos/"+url.PathEscape(args[0])+"/lock",
				map[string]any{"reason": reason})
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to refused pushers")
	return cmd
}

func newUnlockCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <repo>",
		Short: "Reopen a locked repo for movements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.do(http.MethodDelete, "/api/repos/"+url.PathEscape(args[0])+"/lock", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
}

func newSearchCmd(client *apiClient) *cobra.Command {
	var repo string
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the movement log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			query.Set("q", args[0])
			if repo != "" {
				query.Set("repo", repo)
			}
			query.Set("limit", strconv.Itoa(limit))
			resp, err := client.do(http.MethodGet, "/api/search?"+query.Encode(), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "restrict to one repo")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of results")
	return cmd
}

func splitPushvar(raw string) (string, string, error) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '=' {
			return raw[:i], raw[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("pushvar %q is not NAME=value", raw)
}
