package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/client"
	"github.com/InsulaLabs/vessel/config"
	"github.com/InsulaLabs/vessel/models"
	"github.com/InsulaLabs/vessel/seal"
	"github.com/InsulaLabs/vessel/storage"
	"github.com/fatih/color"
)

var (
	logger     *slog.Logger
	configPath string
	logLevel   string
	epochs     uint
	permanent  bool
	backup     bool
)

func init() {
	flag.StringVar(&configPath, "config", "vessel.yaml", "Path to the client configuration file")
	flag.StringVar(&logLevel, "log-level", "warn", "debug, info, warn or error")
	flag.UintVar(&epochs, "epochs", 0, "Storage epochs for store commands (0 uses the configured default)")
	flag.BoolVar(&permanent, "permanent", false, "Store blobs as permanent instead of deletable")
	flag.BoolVar(&backup, "backup", false, "Return the data key when encrypting, for disaster recovery")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
	var unsupported *models.UnsupportedOperationError
	if errors.As(err, &unsupported) {
		fmt.Fprintf(os.Stderr, "%s set wallet.keyFile in %s or create one with 'vessel wallet new'\n", color.YellowString("Hint:"), configPath)
	}
	os.Exit(1)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Usage:"), usage)
		os.Exit(1)
	}
}

func main() {
	flag.Parse()

	level := slog.LevelWarn
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	command, cmdArgs := args[0], args[1:]

	// Commands that do not need a loaded configuration.
	switch command {
	case "config":
		handleConfig(cmdArgs)
		return
	case "wallet":
		handleWallet(cmdArgs)
		return
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configPath, "error", err)
		fail(err)
	}

	var signer chain.Signer
	if cfg.Wallet.KeyFile != "" {
		w, err := chain.LoadWallet(cfg.Wallet.KeyFile)
		if err != nil {
			logger.Warn("Wallet not loaded, chain operations are unavailable", "path", cfg.Wallet.KeyFile, "error", err)
		} else {
			signer = w
		}
	}

	cli, err := client.New(cfg, client.Options{Logger: logger, Signer: signer})
	if err != nil {
		fail(err)
	}
	defer cli.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	switch command {
	case "store":
		handleStore(ctx, cli, cmdArgs)
	case "read":
		handleRead(ctx, cli, cmdArgs)
	case "status":
		handleStatus(ctx, cli, cmdArgs)
	case "quilt":
		handleQuilt(ctx, cli, cmdArgs)
	case "extend":
		handleExtend(ctx, cli, cmdArgs)
	case "delete":
		handleDelete(ctx, cli, cmdArgs)
	case "pending":
		handlePending(cli)
	case "faucet":
		handleFaucet(ctx, cli, cmdArgs)
	case "verify":
		if err := cli.VerifyKeyServers(ctx); err != nil {
			fail(err)
		}
		fmt.Println(color.GreenString("All key servers verified."))
	case "encrypt":
		handleEncrypt(ctx, cli, cmdArgs)
	case "decrypt":
		handleDecrypt(ctx, cli, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "%s Unknown command '%s'\n", color.RedString("Error:"), color.CyanString(command))
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: vessel [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("config new"), color.CyanString("<path>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("wallet new"), color.CyanString("<path>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("wallet address"), color.CyanString("<path>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("faucet"), color.CyanString("[amount]"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("store"), color.CyanString("<file>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("read"), color.CyanString("<blobId> [out]"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("status"), color.CyanString("<blobId>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("quilt store"), color.CyanString("<file>..."))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("quilt read"), color.CyanString("<quiltId> <identifier> [out]"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("extend"), color.CyanString("<blobObjectId> <epochs>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("delete"), color.CyanString("<blobObjectId>"))
	fmt.Fprintf(os.Stderr, "  %s\n", color.GreenString("pending"))
	fmt.Fprintf(os.Stderr, "  %s\n", color.GreenString("verify"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("encrypt"), color.CyanString("<packageId> <variant> <policyId> <in> <out>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("decrypt"), color.CyanString("<in> <out>"))
}

func handleConfig(args []string) {
	need(args, 2, "vessel config new <path>")
	if args[0] != "new" {
		fail(fmt.Errorf("unknown config command %q", args[0]))
	}
	if dir := filepath.Dir(args[1]); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fail(err)
		}
	}
	if _, err := config.GenerateConfig(args[1]); err != nil {
		fail(err)
	}
	fmt.Printf("%s %s\n", color.GreenString("Wrote"), args[1])
}

func handleWallet(args []string) {
	need(args, 2, "vessel wallet <new|address> <path>")
	switch args[0] {
	case "new":
		if _, err := os.Stat(args[1]); err == nil {
			fail(fmt.Errorf("%s already exists", args[1]))
		}
		w, err := chain.NewEd25519Wallet(nil)
		if err != nil {
			fail(err)
		}
		if err := chain.SaveWallet(args[1], w); err != nil {
			fail(err)
		}
		fmt.Printf("%s %s\n", color.GreenString("address:"), w.Address())
	case "address":
		w, err := chain.LoadWallet(args[1])
		if err != nil {
			fail(err)
		}
		fmt.Println(w.Address())
	default:
		fail(fmt.Errorf("unknown wallet command %q", args[0]))
	}
}

func storeOptions() storage.StoreOptions {
	return storage.StoreOptions{Epochs: uint32(epochs), Permanent: permanent}
}

func printBlob(b *models.Blob) {
	fmt.Printf("%s %s\n", color.GreenString("blob id:"), color.CyanString(b.ID.String()))
	if !b.ObjectID.IsZero() {
		fmt.Printf("%s %s\n", color.GreenString("object:"), b.ObjectID)
	}
	fmt.Printf("%s %d bytes, %d epochs, cost %d\n", color.GreenString("stored:"), b.Size, b.Epochs, b.Cost)
}

func handleStore(ctx context.Context, cli *client.Client, args []string) {
	need(args, 1, "vessel store <file>")
	data, err := os.ReadFile(args[0])
	if err != nil {
		fail(err)
	}
	blob, err := cli.Store(ctx, data, storeOptions())
	if err != nil {
		var ce *models.CommitError
		if errors.As(err, &ce) && ce.Salvageable() {
			fmt.Fprintf(os.Stderr, "%s commit stopped while %s, rerun to resume\n", color.YellowString("Note:"), ce.Phase)
		}
		fail(err)
	}
	printBlob(blob)
}

func writeOut(args []string, idx int, data []byte) {
	if len(args) > idx {
		if err := os.WriteFile(args[idx], data, 0644); err != nil {
			fail(err)
		}
		return
	}
	os.Stdout.Write(data)
}

func handleRead(ctx context.Context, cli *client.Client, args []string) {
	need(args, 1, "vessel read <blobId> [out]")
	id, err := models.ParseBlobID(args[0])
	if err != nil {
		fail(err)
	}
	data, err := cli.Read(ctx, id)
	if err != nil {
		fail(err)
	}
	writeOut(args, 1, data)
}

func handleStatus(ctx context.Context, cli *client.Client, args []string) {
	need(args, 1, "vessel status <blobId>")
	id, err := models.ParseBlobID(args[0])
	if err != nil {
		fail(err)
	}
	st, err := cli.Status(ctx, id)
	if err != nil {
		fail(err)
	}
	state := color.YellowString(string(st.State))
	if st.State == models.AvailabilityAvailable {
		state = color.GreenString(string(st.State))
	}
	fmt.Printf("%s: %s", color.CyanString(id.String()), state)
	if st.Size > 0 {
		fmt.Printf(" (%d bytes)", st.Size)
	}
	fmt.Println()
}

func handleQuilt(ctx context.Context, cli *client.Client, args []string) {
	need(args, 2, "vessel quilt <store|read> ...")
	switch args[0] {
	case "store":
		files := make([]storage.QuiltFile, 0, len(args)-1)
		for _, path := range args[1:] {
			data, err := os.ReadFile(path)
			if err != nil {
				fail(err)
			}
			files = append(files, storage.QuiltFile{Identifier: filepath.Base(path), Data: data})
		}
		q, err := cli.StoreQuilt(ctx, files, storeOptions())
		if err != nil {
			fail(err)
		}
		printBlob(&q.Blob)
		for _, f := range q.Files {
			fmt.Printf("  %s %s\n", color.CyanString(f.Identifier), f.QuiltPatchID)
		}
	case "read":
		need(args, 3, "vessel quilt read <quiltId> <identifier> [out]")
		id, err := models.ParseBlobID(args[1])
		if err != nil {
			fail(err)
		}
		data, err := cli.ReadQuiltFile(ctx, id, args[2])
		if err != nil {
			fail(err)
		}
		writeOut(args, 3, data)
	default:
		fail(fmt.Errorf("unknown quilt command %q", args[0]))
	}
}

func handleExtend(ctx context.Context, cli *client.Client, args []string) {
	need(args, 2, "vessel extend <blobObjectId> <epochs>")
	obj, err := models.ParseID(args[0])
	if err != nil {
		fail(err)
	}
	n, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		fail(fmt.Errorf("epochs: %w", err))
	}
	fx, err := cli.Extend(ctx, obj, uint32(n))
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s %s\n", color.GreenString("extended:"), fx.Digest)
}

func handleDelete(ctx context.Context, cli *client.Client, args []string) {
	need(args, 1, "vessel delete <blobObjectId>")
	obj, err := models.ParseID(args[0])
	if err != nil {
		fail(err)
	}
	fx, err := cli.Delete(ctx, obj)
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s %s\n", color.GreenString("deleted:"), fx.Digest)
}

func handlePending(cli *client.Client) {
	recs, err := cli.Pending()
	if err != nil {
		fail(err)
	}
	if len(recs) == 0 {
		fmt.Println("No pending commits.")
		return
	}
	for _, r := range recs {
		line := fmt.Sprintf("%s %s", color.CyanString(r.BlobID.String()), r.Phase)
		if r.LastError != "" {
			line += " " + color.RedString("(failed at %s: %s)", r.FailedAt, r.LastError)
		}
		fmt.Println(line)
	}
}

func handleFaucet(ctx context.Context, cli *client.Client, args []string) {
	var amount uint64
	if len(args) > 0 {
		n, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			fail(fmt.Errorf("amount: %w", err))
		}
		amount = n
	}
	if err := cli.Faucet(ctx, amount); err != nil {
		fail(err)
	}
	fmt.Println(color.GreenString("Funded."))
}

func handleEncrypt(ctx context.Context, cli *client.Client, args []string) {
	need(args, 5, "vessel encrypt <packageId> <variant> <policyId> <in> <out>")
	pkg, err := models.ParseID(args[0])
	if err != nil {
		fail(err)
	}
	variant, err := models.ParsePolicyVariant(args[1])
	if err != nil {
		fail(err)
	}
	policyID, err := models.ParseID(args[2])
	if err != nil {
		fail(err)
	}
	data, err := os.ReadFile(args[3])
	if err != nil {
		fail(err)
	}
	policy, err := cli.Policy(pkg, variant, policyID)
	if err != nil {
		fail(err)
	}
	res, err := cli.Encrypt(ctx, data, policy, seal.EncryptOptions{Backup: backup, VerifyServers: true})
	if err != nil {
		fail(err)
	}
	if err := os.WriteFile(args[4], res.Object, 0644); err != nil {
		fail(err)
	}
	fmt.Printf("%s %s (%d of %d key servers)\n", color.GreenString("sealed:"), args[4], policy.Threshold, len(policy.Servers))
	if res.Backup != nil {
		fmt.Printf("%s %s\n", color.YellowString("backup key:"), hex.EncodeToString(res.Backup.Key[:]))
	}
}

func handleDecrypt(ctx context.Context, cli *client.Client, args []string) {
	need(args, 2, "vessel decrypt <in> <out>")
	object, err := os.ReadFile(args[0])
	if err != nil {
		fail(err)
	}
	ptb, err := client.PolicyCheck(object)
	if err != nil {
		fail(err)
	}
	data, err := cli.Decrypt(ctx, object, ptb)
	if err != nil {
		var de *seal.DecryptError
		if errors.As(err, &de) {
			fmt.Fprintf(os.Stderr, "%s decryption stopped after %s\n", color.YellowString("Note:"), de.State)
		}
		fail(err)
	}
	if err := os.WriteFile(args[1], data, 0644); err != nil {
		fail(err)
	}
	fmt.Printf("%s %s\n", color.GreenString("decrypted:"), args[1])
}
