package sqlinline

const QRunsEnsureSchema = `--sql 70d21cf6-a289-4c0d-8a8e-4fa7596daad6
create table if not exists portrait_runs (
    id          text primary key,
    tenant_id   text not null,
    mode        text not null,
    job_handle  text not null default '',
    state       text not null,
    detail      text not null default '',
    created_at  timestamptz not null default now(),
    updated_at  timestamptz not null default now()
);
create index if not exists portrait_runs_active_idx
    on portrait_runs (mode, state)
    where state in ('SUBMITTED', 'RUNNING');
`

const QRunsInsert = `--sql 5344d4e6-433f-4041-987c-861862def01b
insert into portrait_runs (id, tenant_id, mode, job_handle, state, detail, created_at, updated_at)
values ($1, $2, $3, $4, $5, $6, $7, $7);
`

const QRunsUpdateState = `--sql fa1c1834-2e74-4552-ab5a-cd81bf164ce2
update portrait_runs
set state = $2,
    detail = $3,
    updated_at = now()
where id = $1;
`

const QRunsGetByID = `--sql fd22fde6-e86a-4c3f-9f1a-0382c325587d
select id, tenant_id, mode, job_handle, state, detail, created_at, updated_at
from portrait_runs
where id = $1;
`

const QRunsListActive = `--sql c8d6dd60-63e9-412d-aa83-27cda03dacf5
select id, tenant_id, mode, job_handle, state, detail, created_at, updated_at
from portrait_runs
where mode = $1
  and state in ('SUBMITTED', 'RUNNING')
order by created_at asc;
`
