package db

const (
	InsertDevice = `
		INSERT INTO devices (name, materials_json, host, serial, access_code, system_status_json, printer_status_json, current_job_id, camera, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	GetDeviceByID = `
		SELECT id, name, materials_json, host, serial, access_code, system_status_json, printer_status_json, current_job_id, camera, created_at, updated_at
		FROM devices WHERE id = ?
	`

	ListDevices = `
		SELECT id, name, materials_json, host, serial, access_code, system_status_json, printer_status_json, current_job_id, camera, created_at, updated_at
		FROM devices ORDER BY id ASC
	`

	UpdateDevice = `
		UPDATE devices SET
			name = ?, materials_json = ?, host = ?, serial = ?, access_code = ?,
			system_status_json = ?, printer_status_json = ?, current_job_id = ?, camera = ?, updated_at = ?
		WHERE id = ?
	`

	DetachJobsFromDevice = `UPDATE jobs SET device_id = NULL WHERE device_id = ?`

	DeleteDevice = `DELETE FROM devices WHERE id = ?`
)

const (
	InsertProject = `
		INSERT INTO projects (name, file, hash, print_time, materials_json, printer_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	GetProjectByID = `
		SELECT id, name, file, hash, print_time, materials_json, printer_model, created_at
		FROM projects WHERE id = ?
	`

	ListProjects = `
		SELECT id, name, file, hash, print_time, materials_json, printer_model, created_at
		FROM projects ORDER BY id DESC
	`
)

const (
	InsertJob = `
		INSERT INTO jobs (project_id, state, priority, device_id, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	GetJobByID = `
		SELECT id, project_id, state, priority, device_id, created_at, started_at, ended_at
		FROM jobs WHERE id = ?
	`

	ListQueuedJobs = `
		SELECT id, project_id, state, priority, device_id, created_at, started_at, ended_at
		FROM jobs WHERE state = 'QUEUED'
		ORDER BY priority DESC, created_at ASC, id ASC LIMIT ? OFFSET ?
	`

	UpdateJob = `
		UPDATE jobs SET state = ?, priority = ?, device_id = ?, started_at = ?, ended_at = ? WHERE id = ?
	`

	CountJobsByState = `
		SELECT state, COUNT(*) AS count FROM jobs GROUP BY state
	`
)

const (
	GetSetting = `SELECT value, encrypted, updated_at FROM settings WHERE key = ?`

	SetSetting = `
		INSERT INTO settings (key, value, encrypted, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, encrypted = excluded.encrypted, updated_at = CURRENT_TIMESTAMP
	`

	InsertSettingIfAbsent = `
		INSERT INTO settings (key, value, encrypted, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO NOTHING
	`

	DeleteSetting = `DELETE FROM settings WHERE key = ?`
)
