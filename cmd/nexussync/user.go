package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/INLOpen/nexussync/auth"
)

// newUserCommand manages the debug server's user database.
func newUserCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users of the debug HTTP endpoints",
	}
	cmd.PersistentFlags().StringVar(&file, "file", "users.db", "Path to the user database file")

	var role, hashType string
	var fromStdin bool
	add := &cobra.Command{
		Use:   "add USERNAME",
		Short: "Add a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			if !auth.ValidRole(role) {
				return fmt.Errorf("--role must be either '%s' or '%s'", auth.RoleViewer, auth.RoleOperator)
			}
			users, existing, err := auth.ReadUserFile(file)
			if err != nil {
				return err
			}
			if _, exists := users[username]; exists {
				return fmt.Errorf("user '%s' already exists", username)
			}
			ht := existing
			if len(users) == 0 {
				if ht, err = auth.ParseHashType(hashType); err != nil {
					return err
				}
			}

			password, err := readNewPassword(cmd, fromStdin)
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password, ht)
			if err != nil {
				return fmt.Errorf("hashing password: %w", err)
			}
			users[username] = auth.UserRecord{Username: username, PasswordHash: hash, Role: role}
			if err := auth.WriteUserFile(file, users, ht); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added user '%s' with role '%s' to %s (%s).\n", username, role, file, ht)
			return nil
		},
	}
	add.Flags().StringVar(&role, "role", auth.RoleViewer, "Role of the new user (viewer or operator)")
	add.Flags().StringVar(&hashType, "hash-type", "bcrypt", "Hash type when creating a new file (bcrypt or sha256)")
	add.Flags().BoolVar(&fromStdin, "password-stdin", false, "Read the password from the first line of stdin")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			users, ht, err := auth.ReadUserFile(file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(users) == 0 {
				fmt.Fprintln(out, "No users found.")
				return nil
			}
			names := make([]string, 0, len(users))
			for n := range users {
				names = append(names, n)
			}
			sort.Strings(names)
			fmt.Fprintf(out, "Users (hash type: %s):\n", ht)
			for _, n := range names {
				fmt.Fprintf(out, "- %s (%s)\n", n, users[n].Role)
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete USERNAME",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			users, ht, err := auth.ReadUserFile(file)
			if err != nil {
				return err
			}
			if _, exists := users[args[0]]; !exists {
				return fmt.Errorf("user '%s' not found", args[0])
			}
			delete(users, args[0])
			if err := auth.WriteUserFile(file, users, ht); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted user '%s' from %s.\n", args[0], file)
			return nil
		},
	}

	cmd.AddCommand(add, list, del)
	return cmd
}

func readNewPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	if fromStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading password: %w", err)
		}
		password := strings.TrimRight(line, "\r\n")
		if password == "" {
			return "", errors.New("empty password")
		}
		return password, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal; use --password-stdin")
	}
	out := cmd.ErrOrStderr()
	fmt.Fprint(out, "Enter password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	fmt.Fprint(out, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("reading password confirmation: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	if len(first) == 0 {
		return "", errors.New("empty password")
	}
	return string(first), nil
}
