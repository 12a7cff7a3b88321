// Command efx is a CLI client for the ephemeral exchange service.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/coder/websocket"

	"github.com/brucemcpherson/effex-fb/internal/crypto/seal"
)

// ---- admin token store ----

type tokenFile struct {
	Token   string    `json:"token"`
	SavedAt time.Time `json:"saved_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "efx")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "efx")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.Create(tokenPath())
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{Token: tok, SavedAt: time.Now()})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.Token == "" {
		return "", errors.New("no admin session (login required)")
	}
	return tf.Token, nil
}

// ---- http ----

// call performs the request and decodes the JSON response. A response
// whose ok field is false fails the command.
func call(ctx context.Context, method, endpoint, token string, body any) map[string]any {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			fail(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		fail(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return map[string]any{"ok": true}
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fail(fmt.Errorf("bad response (%d): %w", resp.StatusCode, err))
	}
	if ok, _ := out["ok"].(bool); !ok {
		code, _ := out["code"].(string)
		msg, _ := out["error"].(string)
		fmt.Fprintf(os.Stderr, "api error: code=%s msg=%s\n", code, msg)
		os.Exit(1)
	}
	return out
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// payload builds the data field from -data or -file, optionally sealing it.
func payload(data, file, passphrase string) any {
	var raw []byte
	switch {
	case data != "":
		raw = []byte(data)
	case file != "":
		b, err := readAll(file)
		if err != nil {
			fail(err)
		}
		raw = b
	default:
		fmt.Fprintln(os.Stderr, "need -data or -file")
		os.Exit(1)
	}
	if passphrase != "" {
		blob, err := seal.Seal(passphrase, raw)
		if err != nil {
			fail(err)
		}
		return map[string]any{"sealed": base64.StdEncoding.EncodeToString(blob)}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// unseal reverses payload for a value read back from the service.
func unseal(value any, passphrase string) any {
	wrapped, ok := value.(map[string]any)
	if !ok {
		return value
	}
	b64, ok := wrapped["sealed"].(string)
	if !ok {
		return value
	}
	blob, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		fail(err)
	}
	plain, err := seal.Open(passphrase, blob)
	if err != nil {
		fail(fmt.Errorf("unseal: %w", err))
	}
	var v any
	if err := json.Unmarshal(plain, &v); err != nil {
		return string(plain)
	}
	return v
}

func usage() {
	fmt.Fprintf(os.Stderr, `efx CLI
Usage:
  efx -addr URL <cmd> [args]

Commands:
  version
  validate   -key K
  generate   -boss B -mode writer|updater|reader [-count n] [-days n] [-seconds n] [-lock pass]
  write      -writer W (-data json | -file blob) [-readers a,b] [-updaters a,b]
             [-alias name] [-lifetime secs] [-seal pass] [-unlock pass]
  read       -key K -id ID [-intention update] [-open pass] [-unlock pass]
  update     -key K -id ID (-data json | -file blob) [-intent I] [-seal pass]
  rm         -writer W -id ID
  release    -key K -id ID -intent I
  on         -key K -id ID [-event update|delete|all] [-url webhook]
  off        -watchable WID -key K
  eventlog   -key K -watchable WID [-since nr]
  listen     -watchable WID                    (streams packets over websocket)
  login      -adminkey KEY                     (saves session token)
  addaccount -plan p
  boss       -account id [-days n]
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against the HTTP API.
func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	base := *addr

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {

	case "version":
		fmt.Printf("efx %s (%s)\n", version, buildDate)

	case "validate":
		fs := flag.NewFlagSet("validate", flag.ExitOnError)
		key := fs.String("key", "", "any coupon")
		unlock := fs.String("unlock", "", "unlock passphrase")
		_ = fs.Parse(flag.Args()[1:])
		if *key == "" {
			fail(errors.New("need -key"))
		}
		printJSON(call(ctx, http.MethodGet,
			base+"/validate/"+url.PathEscape(*key)+"?unlock="+url.QueryEscape(*unlock), "", nil))

	case "generate":
		fs := flag.NewFlagSet("generate", flag.ExitOnError)
		boss := fs.String("boss", "", "boss coupon")
		mode := fs.String("mode", "writer", "key type")
		count := fs.Int("count", 1, "how many keys")
		days := fs.Int("days", 0, "lifetime in days")
		seconds := fs.Int64("seconds", 0, "lifetime in seconds")
		lock := fs.String("lock", "", "lock passphrase")
		_ = fs.Parse(flag.Args()[1:])
		if *boss == "" {
			fail(errors.New("need -boss"))
		}
		q := url.Values{}
		q.Set("count", fmt.Sprint(*count))
		if *days > 0 {
			q.Set("days", fmt.Sprint(*days))
		}
		if *seconds > 0 {
			q.Set("seconds", fmt.Sprint(*seconds))
		}
		if *lock != "" {
			q.Set("lock", *lock)
		}
		printJSON(call(ctx, http.MethodGet,
			base+"/generate/"+url.PathEscape(*boss)+"/"+url.PathEscape(*mode)+"?"+q.Encode(), "", nil))

	case "write":
		fs := flag.NewFlagSet("write", flag.ExitOnError)
		writer := fs.String("writer", "", "writer key")
		data := fs.String("data", "", "inline JSON payload")
		file := fs.String("file", "", "payload file ('-'=stdin)")
		readers := fs.String("readers", "", "reader keys, comma separated")
		updaters := fs.String("updaters", "", "updater keys, comma separated")
		alias := fs.String("alias", "", "register alias")
		lifetime := fs.Int64("lifetime", 0, "item lifetime seconds")
		sealPass := fs.String("seal", "", "seal payload with passphrase")
		unlock := fs.String("unlock", "", "unlock passphrase")
		_ = fs.Parse(flag.Args()[1:])
		if *writer == "" {
			fail(errors.New("need -writer"))
		}
		body := map[string]any{"data": payload(*data, *file, *sealPass)}
		if *readers != "" {
			body["readers"] = *readers
		}
		if *updaters != "" {
			body["updaters"] = *updaters
		}
		if *alias != "" {
			body["alias"] = *alias
		}
		if *lifetime > 0 {
			body["lifetime"] = *lifetime
		}
		if *unlock != "" {
			body["unlock"] = *unlock
		}
		printJSON(call(ctx, http.MethodPost, base+"/writer/"+url.PathEscape(*writer), "", body))

	case "read":
		fs := flag.NewFlagSet("read", flag.ExitOnError)
		key := fs.String("key", "", "reader key")
		id := fs.String("id", "", "item id or alias")
		intention := fs.String("intention", "", "update to take an intent")
		open := fs.String("open", "", "unseal payload with passphrase")
		unlock := fs.String("unlock", "", "unlock passphrase")
		_ = fs.Parse(flag.Args()[1:])
		if *key == "" || *id == "" {
			fail(errors.New("need -key and -id"))
		}
		q := url.Values{}
		if *intention != "" {
			q.Set("intention", *intention)
		}
		if *unlock != "" {
			q.Set("unlock", *unlock)
		}
		out := call(ctx, http.MethodGet,
			base+"/reader/"+url.PathEscape(*key)+"/"+url.PathEscape(*id)+"?"+q.Encode(), "", nil)
		if *open != "" {
			out["value"] = unseal(out["value"], *open)
		}
		printJSON(out)

	case "update":
		fs := flag.NewFlagSet("update", flag.ExitOnError)
		key := fs.String("key", "", "updater or writer key")
		id := fs.String("id", "", "item id or alias")
		data := fs.String("data", "", "inline JSON payload")
		file := fs.String("file", "", "payload file ('-'=stdin)")
		intentID := fs.String("intent", "", "intent coupon from a read")
		sealPass := fs.String("seal", "", "seal payload with passphrase")
		_ = fs.Parse(flag.Args()[1:])
		if *key == "" || *id == "" {
			fail(errors.New("need -key and -id"))
		}
		body := map[string]any{"data": payload(*data, *file, *sealPass)}
		if *intentID != "" {
			body["intent"] = *intentID
		}
		printJSON(call(ctx, http.MethodPost,
			base+"/updater/"+url.PathEscape(*key)+"/"+url.PathEscape(*id), "", body))

	case "rm":
		fs := flag.NewFlagSet("rm", flag.ExitOnError)
		writer := fs.String("writer", "", "writer key")
		id := fs.String("id", "", "item id or alias")
		_ = fs.Parse(flag.Args()[1:])
		if *writer == "" || *id == "" {
			fail(errors.New("need -writer and -id"))
		}
		call(ctx, http.MethodDelete,
			base+"/writer/"+url.PathEscape(*writer)+"/"+url.PathEscape(*id), "", nil)
		fmt.Println("ok")

	case "release":
		fs := flag.NewFlagSet("release", flag.ExitOnError)
		key := fs.String("key", "", "updater key")
		id := fs.String("id", "", "item id")
		intentID := fs.String("intent", "", "intent coupon")
		_ = fs.Parse(flag.Args()[1:])
		if *key == "" || *id == "" || *intentID == "" {
			fail(errors.New("need -key -id -intent"))
		}
		printJSON(call(ctx, http.MethodDelete,
			base+"/release/"+url.PathEscape(*id)+"/"+url.PathEscape(*key)+"/"+url.PathEscape(*intentID), "", nil))

	case "on":
		fs := flag.NewFlagSet("on", flag.ExitOnError)
		key := fs.String("key", "", "reader key")
		id := fs.String("id", "", "item id or alias")
		event := fs.String("event", "all", "update, delete or all")
		hook := fs.String("url", "", "webhook URL")
		_ = fs.Parse(flag.Args()[1:])
		if *key == "" || *id == "" {
			fail(errors.New("need -key and -id"))
		}
		q := url.Values{}
		if *hook != "" {
			q.Set("url", *hook)
		}
		printJSON(call(ctx, http.MethodGet,
			base+"/onregister/"+url.PathEscape(*key)+"/"+url.PathEscape(*id)+"/"+url.PathEscape(*event)+"?"+q.Encode(), "", nil))

	case "off":
		fs := flag.NewFlagSet("off", flag.ExitOnError)
		watchable := fs.String("watchable", "", "watchable id")
		key := fs.String("key", "", "the key the watch was registered with")
		_ = fs.Parse(flag.Args()[1:])
		if *watchable == "" {
			fail(errors.New("need -watchable"))
		}
		call(ctx, http.MethodDelete,
			base+"/offregister/"+url.PathEscape(*watchable)+"?key="+url.QueryEscape(*key), "", nil)
		fmt.Println("ok")

	case "eventlog":
		fs := flag.NewFlagSet("eventlog", flag.ExitOnError)
		key := fs.String("key", "", "reader key")
		watchable := fs.String("watchable", "", "watchable id")
		since := fs.Int64("since", 0, "only events after this number")
		_ = fs.Parse(flag.Args()[1:])
		if *key == "" || *watchable == "" {
			fail(errors.New("need -key and -watchable"))
		}
		printJSON(call(ctx, http.MethodGet,
			base+"/eventlog/"+url.PathEscape(*key)+"/"+url.PathEscape(*watchable)+
				"?since="+fmt.Sprint(*since), "", nil))

	case "listen":
		fs := flag.NewFlagSet("listen", flag.ExitOnError)
		watchable := fs.String("watchable", "", "watchable id")
		key := fs.String("key", "", "reader key")
		_ = fs.Parse(flag.Args()[1:])
		if *watchable == "" {
			fail(errors.New("need -watchable"))
		}
		listen(base, *watchable, *key)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		adminKey := fs.String("adminkey", "", "admin key")
		_ = fs.Parse(flag.Args()[1:])
		if *adminKey == "" {
			fail(errors.New("need -adminkey"))
		}
		out := call(ctx, http.MethodPost, base+"/admin/login", "",
			map[string]any{"adminkey": *adminKey})
		tok, _ := out["token"].(string)
		if err := saveToken(tok); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "addaccount":
		fs := flag.NewFlagSet("addaccount", flag.ExitOnError)
		plan := fs.String("plan", "", "plan id")
		_ = fs.Parse(flag.Args()[1:])
		token, err := loadToken()
		if err != nil {
			fail(err)
		}
		printJSON(call(ctx, http.MethodPut,
			base+"/admin/addaccount?plan="+url.QueryEscape(*plan), token, nil))

	case "boss":
		fs := flag.NewFlagSet("boss", flag.ExitOnError)
		account := fs.String("account", "", "account id")
		days := fs.Int("days", 0, "coupon lifetime in days")
		_ = fs.Parse(flag.Args()[1:])
		if *account == "" {
			fail(errors.New("need -account"))
		}
		token, err := loadToken()
		if err != nil {
			fail(err)
		}
		q := ""
		if *days > 0 {
			q = "?days=" + fmt.Sprint(*days)
		}
		printJSON(call(ctx, http.MethodGet,
			base+"/admin/account/"+url.PathEscape(*account)+"/boss"+q, token, nil))

	default:
		usage()
	}
}

// listen streams event packets for a watchable until interrupted.
func listen(base, watchable, key string) {
	wsURL := base + "/push/" + url.PathEscape(watchable)
	if key != "" {
		wsURL += "?key=" + url.QueryEscape(key)
	}
	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		fail(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			return
		}
		os.Stdout.Write(append(payload, '\n'))
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
