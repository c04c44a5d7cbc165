package db

import (
	"database/sql"
	"time"
	"unicode/utf8"

	"github.com/adamavenir/roost/internal/types"
)

const taskColumns = `id, owner, chat_id, prompt, schedule_type, schedule_value, context_mode, status, next_run, last_run, last_result, created_at`

// CreateTask inserts a new task.
func CreateTask(db *sql.DB, task types.Task) error {
	_, err := db.Exec(`
		INSERT INTO roost_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Owner, task.ChatID, task.Prompt, string(task.ScheduleType), task.ScheduleValue,
		string(task.ContextMode), string(task.Status), nullTimeString(task.NextRun), nullTimeString(task.LastRun),
		nullString(task.LastResult), FormatTime(task.CreatedAt))
	return err
}

// GetTask returns a task by id, or nil if absent.
func GetTask(db *sql.DB, id string) (*types.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM roost_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTasks returns all tasks, newest first.
func GetTasks(db *sql.DB) ([]types.Task, error) {
	return queryTasks(db, `SELECT `+taskColumns+` FROM roost_tasks ORDER BY created_at DESC`)
}

// GetTasksForOwner returns the tasks owned by a namespace, newest first.
func GetTasksForOwner(db *sql.DB, owner string) ([]types.Task, error) {
	return queryTasks(db, `SELECT `+taskColumns+` FROM roost_tasks WHERE owner = ? ORDER BY created_at DESC`, owner)
}

// GetDueTasks returns active tasks whose next_run is at or before now.
func GetDueTasks(db *sql.DB, now time.Time) ([]types.Task, error) {
	return queryTasks(db, `
		SELECT `+taskColumns+`
		FROM roost_tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run
	`, FormatTime(now))
}

// SetTaskStatus changes a task's status without touching next_run.
func SetTaskStatus(db *sql.DB, id string, status types.TaskStatus) error {
	_, err := db.Exec(`UPDATE roost_tasks SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// AdvanceTask records a dispatch: next_run moves forward, or the task
// completes when next is nil.
func AdvanceTask(db *sql.DB, id string, next *time.Time) error {
	if next == nil {
		_, err := db.Exec(`UPDATE roost_tasks SET next_run = NULL, status = 'completed' WHERE id = ?`, id)
		return err
	}
	_, err := db.Exec(`UPDATE roost_tasks SET next_run = ? WHERE id = ?`, FormatTime(*next), id)
	return err
}

// DeleteTask removes a task and its run logs.
func DeleteTask(db *sql.DB, id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM roost_task_run_logs WHERE task_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`DELETE FROM roost_tasks WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const maxResultSummary = 200

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// RecordTaskRun appends a run log and updates last_run/last_result.
func RecordTaskRun(db *sql.DB, log types.TaskRunLog) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO roost_task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, log.TaskID, FormatTime(log.RunAt), log.DurationMs, string(log.Status), nullString(log.Result), nullString(log.Error)); err != nil {
		_ = tx.Rollback()
		return err
	}

	summary := string(log.Status)
	if log.Error != nil {
		summary = "error: " + *log.Error
	} else if log.Result != nil {
		summary = *log.Result
	}
	summary = truncateUTF8(summary, maxResultSummary)
	if _, err := tx.Exec(`UPDATE roost_tasks SET last_run = ?, last_result = ? WHERE id = ?`,
		FormatTime(log.RunAt), summary, log.TaskID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetTaskRunLogs returns the most recent run logs for a task.
func GetTaskRunLogs(db *sql.DB, taskID string, limit int) ([]types.TaskRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT task_id, run_at, duration_ms, status, result, error
		FROM roost_task_run_logs
		WHERE task_id = ?
		ORDER BY run_at DESC, id DESC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []types.TaskRunLog
	for rows.Next() {
		var (
			entry  types.TaskRunLog
			runAt  string
			status string
			result sql.NullString
			errMsg sql.NullString
		)
		if err := rows.Scan(&entry.TaskID, &runAt, &entry.DurationMs, &status, &result, &errMsg); err != nil {
			return nil, err
		}
		if t, err := ParseTime(runAt); err == nil {
			entry.RunAt = t
		}
		entry.Status = types.RunStatus(status)
		entry.Result = nullStringPtr(result)
		entry.Error = nullStringPtr(errMsg)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func queryTasks(db *sql.DB, query string, args ...any) ([]types.Task, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (types.Task, error) {
	var (
		task         types.Task
		scheduleType string
		contextMode  string
		status       string
		nextRun      sql.NullString
		lastRun      sql.NullString
		lastResult   sql.NullString
		createdAt    string
	)
	if err := scanner.Scan(&task.ID, &task.Owner, &task.ChatID, &task.Prompt, &scheduleType, &task.ScheduleValue,
		&contextMode, &status, &nextRun, &lastRun, &lastResult, &createdAt); err != nil {
		return types.Task{}, err
	}
	task.ScheduleType = types.ScheduleType(scheduleType)
	task.ContextMode = types.ContextMode(contextMode)
	task.Status = types.TaskStatus(status)
	task.NextRun = nullTimePtr(nextRun)
	task.LastRun = nullTimePtr(lastRun)
	task.LastResult = nullStringPtr(lastResult)
	if t, err := ParseTime(createdAt); err == nil {
		task.CreatedAt = t
	}
	return task, nil
}
