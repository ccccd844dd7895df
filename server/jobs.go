package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ticdso/depthserve/auth"
	"github.com/ticdso/depthserve/evalstore"
	"github.com/ticdso/depthserve/jobqueue"
)

// createJobRequest accepts either a command line in Input
// ("evaluate -vis nyu_eval") or the parts spelled out.
type createJobRequest struct {
	Input     string   `json:"input"`
	Command   string   `json:"command"`
	Arguments []string `json:"arguments"`
}

// ParseCommand splits a command line on spaces, honouring double quotes.
func ParseCommand(input string) []string {
	var (
		result   []string
		current  strings.Builder
		inQuotes bool
	)
	for i := 0; i < len(input); i++ {
		c := input[i]
		switch c {
		case '"':
			inQuotes = !inQuotes
		case ' ':
			if inQuotes {
				current.WriteByte(c)
			} else if current.Len() > 0 {
				result = append(result, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(c)
		}
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

// splitCommand turns parsed words into command, arguments and the final
// input word.
func splitCommand(words []string) (cmd string, args []string, input string) {
	cmd = words[0]
	if len(words) > 1 {
		input = words[len(words)-1]
		args = words[1 : len(words)-1]
	}
	return cmd, args, input
}

func jobsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"jobs": deps.Queue.GetJobs()})
		case http.MethodPost:
			var req createJobRequest
			if err := readJSONBody(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", "bad json")
				return
			}
			cmd, args, input := req.Command, req.Arguments, req.Input
			if cmd == "" {
				words := ParseCommand(req.Input)
				if len(words) == 0 {
					writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid input")
					return
				}
				cmd, args, input = splitCommand(words)
			}
			if deps.Tasks != nil {
				if _, ok := deps.Tasks.Get(cmd); !ok {
					writeError(w, http.StatusBadRequest, "UNKNOWN_TASK", fmt.Sprintf("unknown task %q", cmd))
					return
				}
			}
			id, err := deps.Queue.AddJob(cmd, args, input)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "QUEUE_FAILED", err.Error())
				return
			}
			writeJSON(w, http.StatusCreated, map[string]string{"id": id})
		default:
			http.Error(w, "Use GET or POST", http.StatusMethodNotAllowed)
		}
	}
}

func jobHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		switch r.Method {
		case http.MethodGet:
			job := deps.Queue.GetJob(id)
			if job == nil {
				writeError(w, http.StatusNotFound, "NOT_FOUND", jobqueue.ErrJobNotFound.Error())
				return
			}
			writeJSON(w, http.StatusOK, job)
		case http.MethodDelete:
			if err := deps.Queue.RemoveJob(id); err != nil {
				writeJobError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Job removed successfully"})
		default:
			http.Error(w, "Use GET or DELETE", http.StatusMethodNotAllowed)
		}
	}
}

func cancelJobHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if err := deps.Queue.CancelJob(r.PathValue("id")); err != nil {
			writeJobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Job cancelled successfully"})
	}
}

func clearJobsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		n := deps.Queue.ClearFinished()
		writeJSON(w, http.StatusOK, map[string]any{
			"cleared_count": n,
			"message":       fmt.Sprintf("Cleared %d finished jobs", n),
		})
	}
}

func writeJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, jobqueue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeError(w, http.StatusConflict, "INVALID_STATE", err.Error())
}

func tasksHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": deps.Tasks.List()})
	}
}

func runsHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		runs, err := deps.Runs.ListRuns(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
			return
		}
		if runs == nil {
			runs = []*evalstore.Run{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	}
}

func runHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var err error
		switch r.Method {
		case http.MethodGet:
			run, frames, gerr := deps.Runs.GetRun(r.Context(), id)
			if gerr == nil {
				writeJSON(w, http.StatusOK, map[string]any{"run": run, "frames": frames})
				return
			}
			err = gerr
		case http.MethodDelete:
			if err = deps.Runs.DeleteRun(r.Context(), id); err == nil {
				writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
				return
			}
		default:
			http.Error(w, "Use GET or DELETE", http.StatusMethodNotAllowed)
			return
		}
		if errors.Is(err, evalstore.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func loginHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		var req loginRequest
		if err := readJSONBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "bad json")
			return
		}
		token, err := deps.Auth.Login(req.Username, req.Password)
		if errors.Is(err, auth.ErrInvalidCreds) {
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error())
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}
