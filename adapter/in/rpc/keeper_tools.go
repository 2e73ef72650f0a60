package rpc

// registerTools builds the dispatch table. Exempt tools are callable
// without a session: they either establish one or expose operational
// state.
func (s *Server) registerTools() map[string]tool {
	return map[string]tool{
		// Authentication and users
		"authenticate":      {run: s.authenticate, exempt: true},
		"poll_user_context": {run: s.pollUserContext, exempt: true},
		"register_user":     {run: s.registerUser, exempt: true},
		"get_user_profile":  {run: s.getUserProfile},
		"switch_user":       {run: s.switchUser},
		"list_users":        {run: s.listUsers, exempt: true},

		// Email queries
		"list_emails":         {run: s.listEmails},
		"search_emails":       {run: s.searchEmails},
		"get_email_details":   {run: s.getEmailDetails},
		"get_email_stats":     {run: s.getEmailStats},
		"save_search":         {run: s.saveSearch},
		"list_saved_searches": {run: s.listSavedSearches},

		// Analysis
		"categorize_emails": {run: s.categorizeEmails},

		// Jobs
		"get_job_status": {run: s.getJobStatus},
		"list_jobs":      {run: s.listJobs},
		"cancel_job":     {run: s.cancelJob},

		// Direct mailbox tools
		"archive_emails": {run: s.archiveEmails},
		"restore_emails": {run: s.restoreEmails},
		"delete_emails":  {run: s.deleteEmails},
		"empty_trash":    {run: s.emptyTrash},

		// Cleanup automation
		"trigger_cleanup":                  {run: s.triggerCleanup},
		"get_cleanup_status":               {run: s.getCleanupStatus},
		"create_cleanup_policy":            {run: s.createCleanupPolicy},
		"update_cleanup_policy":            {run: s.updateCleanupPolicy},
		"list_cleanup_policies":            {run: s.listCleanupPolicies},
		"delete_cleanup_policy":            {run: s.deleteCleanupPolicy},
		"create_cleanup_schedule":          {run: s.createCleanupSchedule},
		"update_cleanup_automation_config": {run: s.updateAutomationConfig},
		"get_cleanup_metrics":              {run: s.getCleanupMetrics},
		"get_cleanup_recommendations":      {run: s.getCleanupRecommendations},

		// System
		"get_system_health": {run: s.getSystemHealth, exempt: true},
	}
}
