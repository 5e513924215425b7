package types

import "time"

// Task priorities.
const (
	PriorityLow    = "LOW"
	PriorityMedium = "MEDIUM"
	PriorityHigh   = "HIGH"
	PriorityUrgent = "URGENT"
)

// Task statuses. CompletedAt is set if and only if the status is
// TaskStatusCompleted.
const (
	TaskStatusTodo       = "TODO"
	TaskStatusInProgress = "IN_PROGRESS"
	TaskStatusCompleted  = "COMPLETED"
	TaskStatusCancelled  = "CANCELLED"
)

// Goal types.
const (
	GoalShortTerm = "SHORT_TERM"
	GoalLongTerm  = "LONG_TERM"
)

// Habit frequencies.
const (
	FrequencyDaily   = "DAILY"
	FrequencyWeekly  = "WEEKLY"
	FrequencyMonthly = "MONTHLY"
)

// Note types.
const (
	NoteTypeNote    = "NOTE"
	NoteTypeJournal = "JOURNAL"
	NoteTypeVoice   = "VOICE"
	NoteTypeImage   = "IMAGE"
)

// Note moods.
const (
	MoodVeryHappy = "VERY_HAPPY"
	MoodHappy     = "HAPPY"
	MoodNeutral   = "NEUTRAL"
	MoodSad       = "SAD"
	MoodVerySad   = "VERY_SAD"
)

// Health entry types.
const (
	HealthSleep    = "SLEEP"
	HealthWater    = "WATER"
	HealthExercise = "EXERCISE"
	HealthMeal     = "MEAL"
	HealthWeight   = "WEIGHT"
)

// Expense types.
const (
	ExpenseIncome  = "INCOME"
	ExpenseExpense = "EXPENSE"
)

// Category types.
const (
	CategoryTask    = "TASK"
	CategoryEvent   = "EVENT"
	CategoryGoal    = "GOAL"
	CategoryHabit   = "HABIT"
	CategoryNote    = "NOTE"
	CategoryExpense = "EXPENSE"
)

// User preference types.
const (
	PreferenceTheme        = "THEME"
	PreferenceNotification = "NOTIFICATION"
	PreferencePrivacy      = "PRIVACY"
	PreferenceGeneral      = "GENERAL"
)

// Task is a to-do item. Subtasks point at their parent with ParentTaskID;
// deleting a parent does not delete its subtasks.
type Task struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Priority         string     `json:"priority,omitempty"`
	Status           string     `json:"status,omitempty"`
	DueDate          *time.Time `json:"dueDate,omitempty"`
	ReminderDate     *time.Time `json:"reminderDate,omitempty"`
	Category         string     `json:"category,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	EstimatedHours   *float64   `json:"estimatedHours,omitempty"`
	ActualHours      *float64   `json:"actualHours,omitempty"`
	IsRecurring      bool       `json:"isRecurring,omitempty"`
	RecurringPattern string     `json:"recurringPattern,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	ParentTaskID     string     `json:"parentTaskId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Event is a calendar entry.
type Event struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	StartDate        time.Time `json:"startDate"`
	EndDate          time.Time `json:"endDate"`
	Location         string    `json:"location,omitempty"`
	Category         string    `json:"category,omitempty"`
	Color            string    `json:"color,omitempty"`
	IsAllDay         bool      `json:"isAllDay,omitempty"`
	IsRecurring      bool      `json:"isRecurring,omitempty"`
	RecurringPattern string    `json:"recurringPattern,omitempty"`
	ReminderMinutes  *int64    `json:"reminderMinutes,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Goal tracks progress toward a target value.
type Goal struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Type            string     `json:"type,omitempty"`
	TargetDate      *time.Time `json:"targetDate,omitempty"`
	CurrentProgress *float64   `json:"currentProgress,omitempty"`
	TargetValue     *float64   `json:"targetValue,omitempty"`
	Unit            string     `json:"unit,omitempty"`
	Category        string     `json:"category,omitempty"`
	IsCompleted     bool       `json:"isCompleted,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Habit is a recurring behaviour the user tracks with HabitEntry records.
type Habit struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Frequency   string    `json:"frequency,omitempty"`
	TargetCount *int64    `json:"targetCount,omitempty"`
	Category    string    `json:"category,omitempty"`
	Color       string    `json:"color,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	IsActive    bool      `json:"isActive,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// HabitEntry records one day's check-in for a habit. (HabitID, Date) is the
// presentation dedup key; the data service does not enforce uniqueness.
type HabitEntry struct {
	ID        string    `json:"id"`
	HabitID   string    `json:"habitId"`
	Date      string    `json:"date"`
	Completed bool      `json:"completed,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Note is a free-form note or journal entry.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	Type      string    `json:"type,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Category  string    `json:"category,omitempty"`
	Mood      string    `json:"mood,omitempty"`
	IsPrivate bool      `json:"isPrivate,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HealthEntry is one measurement (sleep hours, water, weight, ...).
type HealthEntry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type,omitempty"`
	Value     *float64  `json:"value,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	Date      string    `json:"date"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Expense is an income or expense transaction.
type Expense struct {
	ID               string    `json:"id"`
	Amount           float64   `json:"amount"`
	Description      string    `json:"description"`
	Category         string    `json:"category,omitempty"`
	Date             string    `json:"date"`
	Type             string    `json:"type,omitempty"`
	IsRecurring      bool      `json:"isRecurring,omitempty"`
	RecurringPattern string    `json:"recurringPattern,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Budget caps spending for one category in one month (YYYY-MM).
type Budget struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	MonthlyLimit float64   `json:"monthlyLimit"`
	CurrentSpent *float64  `json:"currentSpent,omitempty"`
	Month        string    `json:"month"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Category groups records of one kind.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type,omitempty"`
	Color     string    `json:"color,omitempty"`
	Icon      string    `json:"icon,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserPreference is a key/value setting.
type UserPreference struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Type      string    `json:"type,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
