package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	BaseURL   string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	u := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, u, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Println(strings.TrimSpace(string(body)))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

// resultPath arma GET /v1/executions/{id} con los flags de la consulta.
func resultPath(id string, cancel, keep, wait bool, delayMax int64, delayUnit string) string {
	q := url.Values{}
	if cancel {
		q.Set("cancel", "true")
	}
	if keep {
		q.Set("keep", "true")
	}
	if wait {
		q.Set("wait", "true")
	}
	if delayMax >= 0 {
		q.Set("delayMax", strconv.FormatInt(delayMax, 10))
		if delayUnit != "" {
			q.Set("delayUnit", delayUnit)
		}
	}
	p := "/v1/executions/" + url.PathEscape(id)
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	return p
}

// jobPath arma /v1/jobs/{code}[/suffix].
func jobPath(code, suffix string) string {
	p := "/v1/jobs/" + url.PathEscape(code)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func okStatus(status int) bool { return status/100 == 2 }

func main() {
	var (
		baseURL = envOr("NODEBUS_URL", "http://localhost:8080")
		out     = envOr("NODEBUS_OUT", "text")
		timeout = 15 * time.Minute
	)

	root := &cobra.Command{
		Use:          "busctl",
		Short:        "CLI de operación para un nodo nodebus (vía su API HTTP)",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "url", baseURL, "URL base del nodo (env NODEBUS_URL)")
	root.PersistentFlags().StringVar(&out, "out", out, "Formato de salida: json|text")

	// las esperas largas las acota el nodo (wait_forever_cap)
	cl := &client{HTTP: &http.Client{Timeout: timeout}}
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cl.BaseURL, cl.OutFormat = baseURL, out
	}

	// ping
	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Chequea /readyz del nodo",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do(http.MethodGet, "/readyz", nil)
			if err != nil {
				return err
			}
			if !okStatus(status) {
				return fmt.Errorf("ping fallo: status=%d body=%s", status, string(body))
			}
			if cl.OutFormat == "text" {
				fmt.Println("ok")
				return nil
			}
			cl.print(status, body)
			return nil
		},
	}

	// result get / cancel
	resultCmd := &cobra.Command{
		Use:   "result",
		Short: "Consulta resultados de ejecuciones asíncronas en el cluster",
	}
	var (
		getWait, getKeep bool
		getDelayMax      int64
		getDelayUnit     string
	)
	resultGetCmd := &cobra.Command{
		Use:   "get <asyncId>",
		Short: "Obtener (o esperar) el resultado de una ejecución",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do(http.MethodGet, resultPath(args[0], false, getKeep, getWait, getDelayMax, getDelayUnit), nil)
			if err != nil {
				return err
			}
			cl.print(status, body)
			switch status {
			case http.StatusOK, http.StatusAccepted:
				return nil
			case http.StatusNotFound:
				return fmt.Errorf("ningún nodo conoce %s", args[0])
			case http.StatusGatewayTimeout:
				return fmt.Errorf("la ejecución %s venció", args[0])
			}
			return fmt.Errorf("status=%d", status)
		},
	}
	resultGetCmd.Flags().BoolVar(&getWait, "wait", false, "Esperar hasta que termine (acotado por el nodo)")
	resultGetCmd.Flags().BoolVar(&getKeep, "keep", false, "No consumir el resultado")
	resultGetCmd.Flags().Int64Var(&getDelayMax, "delay-max", -1, "Espera máxima (en --delay-unit)")
	resultGetCmd.Flags().StringVar(&getDelayUnit, "delay-unit", "s", "Unidad de --delay-max: ms|s|m|h")

	resultCancelCmd := &cobra.Command{
		Use:   "cancel <asyncId>",
		Short: "Cancelar una ejecución en el nodo que la corre",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do(http.MethodGet, resultPath(args[0], true, true, false, -1, ""), nil)
			if err != nil {
				return err
			}
			cl.print(status, body)
			if status == http.StatusNotFound {
				return fmt.Errorf("ningún nodo conoce %s", args[0])
			}
			return nil
		},
	}
	resultCmd.AddCommand(resultGetCmd, resultCancelCmd)

	// exec
	var (
		execKind, execCode, execPayload string
		execID, execTimeoutMs           int64
	)
	execCmd := &cobra.Command{
		Use:   "exec",
		Short: "Lanzar una ejecución asíncrona y mostrar su asyncId",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"kind": execKind}
			if execCode != "" {
				req["code"] = execCode
			}
			if cmd.Flags().Changed("id") {
				req["id"] = execID
			}
			if execCode == "" && !cmd.Flags().Changed("id") {
				return fmt.Errorf("--code o --id requerido")
			}
			if execPayload != "" {
				var p map[string]any
				if err := json.Unmarshal([]byte(execPayload), &p); err != nil {
					return fmt.Errorf("--payload no es un objeto JSON: %w", err)
				}
				req["payload"] = p
			}
			if execTimeoutMs > 0 {
				req["timeoutMs"] = execTimeoutMs
			}
			body, _ := json.Marshal(req)
			status, resp, err := cl.do(http.MethodPost, "/v1/executions", body)
			if err != nil {
				return err
			}
			if !okStatus(status) {
				return fmt.Errorf("exec fallo: status=%d body=%s", status, string(resp))
			}
			cl.print(status, resp)
			return nil
		},
	}
	execCmd.Flags().StringVar(&execKind, "kind", "FunctionExecution", "FunctionExecution|ScriptInstance")
	execCmd.Flags().StringVar(&execCode, "code", "", "Código de la función o script")
	execCmd.Flags().Int64Var(&execID, "id", 0, "Id numérico de la entidad")
	execCmd.Flags().StringVar(&execPayload, "payload", "", "Payload JSON (objeto)")
	execCmd.Flags().Int64Var(&execTimeoutMs, "timeout-ms", 0, "Timeout propio de la ejecución")

	// admin clear-results
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Operaciones administrativas",
	}
	clearCmd := &cobra.Command{
		Use:   "clear-results",
		Short: "Vaciar los resultados guardados (en todo el cluster)",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do(http.MethodPost, "/v1/admin/results/clear", nil)
			if err != nil {
				return err
			}
			if !okStatus(status) {
				return fmt.Errorf("clear fallo: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}
	adminCmd.AddCommand(clearCmd)

	// job start / stop / data-complete / wait
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Control de jobs en el cluster",
	}
	var (
		jobPayload string
		jobWorkers bool
	)
	jobStartCmd := &cobra.Command{
		Use:   "start <code>",
		Short: "Arrancar un job en el nodo (y workers en el resto con --workers)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"workers": jobWorkers}
			if jobPayload != "" {
				var p map[string]any
				if err := json.Unmarshal([]byte(jobPayload), &p); err != nil {
					return fmt.Errorf("--payload no es un objeto JSON: %w", err)
				}
				req["payload"] = p
			}
			body, _ := json.Marshal(req)
			status, resp, err := cl.do(http.MethodPost, jobPath(args[0], ""), body)
			if err != nil {
				return err
			}
			if !okStatus(status) {
				return fmt.Errorf("job start fallo: status=%d body=%s", status, string(resp))
			}
			cl.print(status, resp)
			return nil
		},
	}
	jobStartCmd.Flags().StringVar(&jobPayload, "payload", "", "Payload JSON (objeto)")
	jobStartCmd.Flags().BoolVar(&jobWorkers, "workers", false, "Levantar instancias worker en los demás nodos")

	var jobForce bool
	jobStopCmd := &cobra.Command{
		Use:   "stop <code>",
		Short: "Frenar el job en todo el cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := jobPath(args[0], "")
			if jobForce {
				p += "?force=true"
			}
			status, body, err := cl.do(http.MethodDelete, p, nil)
			if err != nil {
				return err
			}
			if !okStatus(status) {
				return fmt.Errorf("job stop fallo: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}
	jobStopCmd.Flags().BoolVar(&jobForce, "force", false, "Olvidar el job sin esperar a que frene")

	jobDataCmd := &cobra.Command{
		Use:   "data-complete <code>",
		Short: "Avisar que salió el último mensaje de datos del job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do(http.MethodPost, jobPath(args[0], "data-complete"), nil)
			if err != nil {
				return err
			}
			if !okStatus(status) {
				return fmt.Errorf("data-complete fallo: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}

	var jobWaitMs int64
	jobWaitCmd := &cobra.Command{
		Use:   "wait <code>",
		Short: "Esperar la próxima finalización del job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := jobPath(args[0], "completion") + "?timeoutMs=" + strconv.FormatInt(jobWaitMs, 10)
			status, body, err := cl.do(http.MethodGet, p, nil)
			if err != nil {
				return err
			}
			cl.print(status, body)
			if status == http.StatusGatewayTimeout {
				return fmt.Errorf("el job %s no terminó a tiempo", args[0])
			}
			if !okStatus(status) {
				return fmt.Errorf("status=%d", status)
			}
			return nil
		},
	}
	jobWaitCmd.Flags().Int64Var(&jobWaitMs, "timeout-ms", 30000, "Espera máxima")
	jobCmd.AddCommand(jobStartCmd, jobStopCmd, jobDataCmd, jobWaitCmd)

	root.AddCommand(pingCmd, resultCmd, execCmd, jobCmd, adminCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
